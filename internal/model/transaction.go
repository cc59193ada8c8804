package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types. Consumption rows store a negative amount, all
// others a positive one.
const (
	TxTypePurchase    = "purchase"
	TxTypeConsumption = "consumption"
	TxTypeRefund      = "refund"
	TxTypeBonus       = "bonus"
	TxTypeAdjustment  = "adjustment"
)

// ValidGrantType reports whether t may be used with a credit grant.
func ValidGrantType(t string) bool {
	switch t {
	case TxTypePurchase, TxTypeRefund, TxTypeBonus, TxTypeAdjustment:
		return true
	}
	return false
}

// CreditTransaction is one row of the append-only ledger. Rows are
// never updated or deleted; Balance snapshots the post-transaction
// balance so the ledger can be audited without replaying it.
type CreditTransaction struct {
	ID          string          `gorm:"primaryKey;size:64" json:"id"`
	UserID      string          `gorm:"size:64;not null;index" json:"userId"`
	Type        string          `gorm:"size:32;not null;index" json:"type"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"amount"`
	Balance     decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"balance"`
	Description string          `gorm:"size:255" json:"description"`
	Metadata    string          `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (CreditTransaction) TableName() string { return "credit_transaction" }

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditBalance is the materialized per-user balance. It is only ever
// written inside the same DB transaction as a CreditTransaction insert.
type CreditBalance struct {
	UserID    string          `gorm:"primaryKey;size:64"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,4);not null;default:'0'"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (CreditBalance) TableName() string { return "credit_balance" }

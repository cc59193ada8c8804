package model

import "time"

// Generation call statuses.
const (
	GenStatusPending    = "pending"
	GenStatusProcessing = "processing"
	GenStatusCompleted  = "completed"
	GenStatusFailed     = "failed"
)

// GenerationLog records one paid generation attempt per user, linked to
// the consumption transaction that paid for it. Unlike the ledger it is
// mutable: status moves pending -> processing -> completed/failed.
type GenerationLog struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	UserID         string    `gorm:"size:64;not null;index" json:"userId"`
	Feature        string    `gorm:"size:64;not null" json:"feature"`
	Provider       string    `gorm:"size:64" json:"provider"`
	Model          string    `gorm:"size:128" json:"model"`
	TaskID         string    `gorm:"size:128" json:"taskId,omitempty"`
	Status         string    `gorm:"size:32;not null" json:"status"`
	FailureReason  string    `gorm:"size:512" json:"failureReason,omitempty"`
	CreditsCharged int64     `gorm:"not null" json:"creditsCharged"`
	TransactionID  string    `gorm:"size:64;index" json:"transactionId,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (GenerationLog) TableName() string { return "generation_call_log" }

package model

import "time"

// User holds the minimum identity fields the ledger needs for admin
// search (email/name). The id comes from the identity provider and is
// trusted verbatim.
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Email     string    `gorm:"size:255;index" json:"email"`
	Name      string    `gorm:"size:255" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (User) TableName() string { return "users" }

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionType string

const (
	TransactionTypeDeduct TransactionType = "deduct"
	TransactionTypeGrant  TransactionType = "grant"
)

const (
	ReferenceTypeAutomationJob = "automation_job"
	ReferenceTypeGrant         = "grant"
)

// Account is an owner's prepaid message balance.
type Account struct {
	OwnerID      snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"owner_id"`
	Balance      int64        `gorm:"not null;default:0" json:"balance"`
	TotalUsed    int64        `gorm:"not null;default:0" json:"total_used"`
	TotalGranted int64        `gorm:"not null;default:0" json:"total_granted"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "credit_accounts" }

// Transaction is an append-only balance movement. Amount is always positive;
// Type carries the sign.
type Transaction struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	OwnerID       snowflake.ID    `gorm:"not null;index" json:"owner_id"`
	Type          TransactionType `gorm:"type:text;not null" json:"type"`
	Amount        int64           `gorm:"not null" json:"amount"`
	BalanceBefore int64           `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64           `gorm:"not null" json:"balance_after"`
	Description   string          `gorm:"type:text;not null;default:''" json:"description"`
	ReferenceType string          `gorm:"type:text;not null;uniqueIndex:ux_credit_transactions_reference,priority:1" json:"reference_type"`
	ReferenceID   string          `gorm:"type:text;not null;uniqueIndex:ux_credit_transactions_reference,priority:2" json:"reference_id"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// CreditAccount represents the credit_accounts table.
type CreditAccount struct {
	UserID    string    `gorm:"primaryKey"`
	Credits   int64     `gorm:"not null;check:chk_credit_accounts_credits,credits >= 0"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_credit_transactions_user_created,priority:1;index:uniq_credit_transactions_user_idem,unique,priority:1"`
	Delta          int64          `gorm:"not null"`
	Reason         string         `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	IdempotencyKey *string        `gorm:"index:uniq_credit_transactions_user_idem,unique,priority:2"`
	CreatedAt      time.Time      `gorm:"not null;autoCreateTime:false;index:idx_credit_transactions_user_created,priority:2"`
	Sequence       int64          `gorm:"not null;default:0;index:idx_credit_transactions_user_created,priority:3"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// Models lists the tables owned by the store, in migration order.
func Models() []any {
	return []any{&CreditAccount{}, &CreditTransaction{}}
}

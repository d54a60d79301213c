package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the billing_accounts table.
type Account struct {
	UserID                  string     `gorm:"primaryKey"`
	Plan                    string     `gorm:"not null"`
	CreditsAvailable        int64      `gorm:"not null"`
	CreditsRefreshAt        *time.Time `gorm:""`
	TrialUsed               bool       `gorm:"not null"`
	IsFrozen                bool       `gorm:"not null"`
	ExternalCustomerRef     string     `gorm:""`
	ExternalSubscriptionRef string     `gorm:""`
	CreatedAt               time.Time  `gorm:"not null"`
	UpdatedAt               time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "billing_accounts" }

// Hold mirrors the credit_holds table. The request id is the caller's
// idempotency key and is unique across all holds.
type Hold struct {
	HoldID    string     `gorm:"type:uuid;primaryKey"`
	UserID    string     `gorm:"not null;index:idx_holds_user_created,priority:1"`
	RequestID string     `gorm:"not null;index:uniq_holds_request,unique"`
	Amount    int64      `gorm:"not null"`
	Status    string     `gorm:"not null"`
	Reason    string     `gorm:""`
	ExpiresAt *time.Time `gorm:""`
	CreatedAt time.Time  `gorm:"not null;index:idx_holds_user_created,priority:2"`
	UpdatedAt time.Time  `gorm:"not null"`
}

func (Hold) TableName() string { return "credit_holds" }

func (hold *Hold) BeforeCreate(tx *gorm.DB) error {
	if hold.HoldID == "" {
		hold.HoldID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the credit_ledger_entries table. RequestID is null for
// entries without an idempotency scope so the unique (request_id, type) pair
// only binds caller-keyed entries.
type LedgerEntry struct {
	EntryID       string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	RequestID     *string        `gorm:"index:uniq_ledger_request_type,unique,priority:1"`
	HoldID        *string        `gorm:"type:uuid"`
	Type          string         `gorm:"not null;index:uniq_ledger_request_type,unique,priority:2"`
	CreditsChange int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "credit_ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

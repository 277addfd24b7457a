package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table: one materialized balance per user.
type Account struct {
	UserID           string    `gorm:"primaryKey"`
	CreditsRemaining int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. The partial unique index
// enforces one live (non-voided) entry per (user, kind, reference).
type LedgerEntry struct {
	EntryID   string         `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"not null;index:uniq_entries_user_kind_reference,unique,where:status <> 'voided',priority:1;index:idx_entries_user_created,priority:1"`
	Kind      string         `gorm:"not null;index:uniq_entries_user_kind_reference,unique,where:status <> 'voided',priority:2;index:idx_entries_kind_status_created,priority:1"`
	Amount    int64          `gorm:"not null"`
	Reference string         `gorm:"not null;index:uniq_entries_user_kind_reference,unique,where:status <> 'voided',priority:3"`
	Status    string         `gorm:"not null;index:idx_entries_kind_status_created,priority:2"`
	Metadata  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_entries_user_created,priority:2;index:idx_entries_kind_status_created,priority:3"`
	SettledAt *time.Time     `gorm:""`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

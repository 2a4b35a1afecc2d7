package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: PATCH BATCH LOG

Every applied batch is stored next to the version it produced.
Replaying the batches of a session from version 1 in order reproduces
the stored snapshot, so the log doubles as an audit trail.

Flow:
  GM approves action → batch applied in memory → broadcast
  → persistence worker stores batch + snapshot
*/

// PatchBatch stores one applied patch batch
type PatchBatch struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	SessionID  string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_session_version" json:"session_id"`
	Version    int64     `gorm:"not null;uniqueIndex:idx_session_version" json:"version"`
	Operations []byte    `gorm:"type:jsonb;not null" json:"-"`
	Hash       string    `gorm:"type:char(64);not null" json:"hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (p *PatchBatch) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (PatchBatch) TableName() string {
	return "session_patch_batches"
}

package models

import (
	"time"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SessionRecord is the persisted snapshot of a session's game state.
// State holds the canonical GameState JSON, so the stored hash can be
// recomputed and checked on restore.
type SessionRecord struct {
	ID        string        `json:"id" gorm:"type:varchar(64);primaryKey"`
	GMUserID  string        `json:"gm_user_id" gorm:"type:varchar(128)"`
	Status    SessionStatus `json:"status" gorm:"type:varchar(16);not null;default:'active';index"`
	Version   int64         `json:"version" gorm:"not null"`
	Hash      string        `json:"hash" gorm:"type:char(64);not null"`
	State     []byte        `json:"-" gorm:"type:jsonb;not null"`
	CreatedAt time.Time     `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time     `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// PersistJob is a snapshot handed to the persistence workers
type PersistJob struct {
	SessionID  string
	GMUserID   string
	Status     SessionStatus
	Version    int64
	Hash       string
	State      []byte
	Operations []byte // nil for snapshot-only jobs (create, end)
	At         time.Time
}

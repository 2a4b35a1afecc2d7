package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vtt-sync/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// SessionRepositoryImpl stores session snapshots using GORM
// Learning: This is the IMPLEMENTATION. The services package declares the
// interface it needs.
type SessionRepositoryImpl struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db}
}

// LoadSession retrieves the latest snapshot of a session
func (r *SessionRepositoryImpl) LoadSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	var record models.SessionRecord

	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}

	return &record, nil
}

// SaveSession upserts a snapshot. Older versions never overwrite newer ones
// and an ended session stays ended.
func (r *SessionRepositoryImpl) SaveSession(ctx context.Context, record *models.SessionRecord) error {
	if record.Status == models.SessionEnded && record.EndedAt == nil {
		now := time.Now()
		record.EndedAt = &now
	}

	if err := upsertSession(r.db.WithContext(ctx), record).Error; err != nil {
		return errors.Wrap(err, "failed to save session")
	}

	return nil
}

func upsertSession(tx *gorm.DB, record *models.SessionRecord) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"gm_user_id", "status", "version", "hash", "state", "updated_at", "ended_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "session_records.version <= excluded.version"},
			clause.Expr{SQL: "session_records.status <> ?", Vars: []interface{}{string(models.SessionEnded)}},
		}},
	}).Create(record)
}

// List returns session snapshots with pagination, newest activity first.
// An empty status lists every session.
func (r *SessionRepositoryImpl) List(ctx context.Context, status models.SessionStatus, limit, offset int) ([]*models.SessionRecord, error) {
	var records []*models.SessionRecord

	q := r.db.WithContext(ctx).Omit("state")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}

	return records, nil
}

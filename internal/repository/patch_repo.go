package repository

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vtt-sync/internal/models"
)

/*
LEARNING: PATCH BATCH PERSISTENCE

Storing applied batches allows:
1. Auditing who changed what, version by version
2. Rebuilding a snapshot by replaying batches from version 1
3. Catching up clients whose sinceVersion fell out of memory

Query patterns:
- StoreBatch: Persist one applied batch (idempotent per session+version)
- GetBatchesSince: Incremental replay (get newer batches)
- DeleteOldBatches: Bound the log per session
*/

// PatchRepositoryImpl handles patch batch storage
type PatchRepositoryImpl struct {
	db *gorm.DB
}

// NewPatchRepository creates a new patch batch repository
func NewPatchRepository(db *gorm.DB) *PatchRepositoryImpl {
	return &PatchRepositoryImpl{db: db}
}

// StoreBatch stores an applied batch; storing the same version twice is a no-op
func (r *PatchRepositoryImpl) StoreBatch(ctx context.Context, batch *models.PatchBatch) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(batch).Error
	if err != nil {
		return errors.Wrap(err, "failed to store patch batch")
	}
	return nil
}

// GetBatchesSince retrieves batches newer than afterVersion in version order
func (r *PatchRepositoryImpl) GetBatchesSince(ctx context.Context, sessionID string, afterVersion int64) ([]*models.PatchBatch, error) {
	var batches []*models.PatchBatch

	err := r.db.WithContext(ctx).
		Where("session_id = ? AND version > ?", sessionID, afterVersion).
		Order("version ASC").
		Find(&batches).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get patch batches")
	}

	return batches, nil
}

// GetLatestBatch gets the most recent batch of a session
func (r *PatchRepositoryImpl) GetLatestBatch(ctx context.Context, sessionID string) (*models.PatchBatch, error) {
	var batch models.PatchBatch

	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "no batches for session %s", sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest patch batch")
	}

	return &batch, nil
}

// DeleteOldBatches keeps only the newest keepCount batches of a session
func (r *PatchRepositoryImpl) DeleteOldBatches(ctx context.Context, sessionID string, keepCount int) (int64, error) {
	latest, err := r.GetLatestBatch(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := latest.Version - int64(keepCount)
	if cutoff <= 0 {
		return 0, nil // Nothing to delete
	}

	result := r.db.WithContext(ctx).
		Where("session_id = ? AND version <= ?", sessionID, cutoff).
		Delete(&models.PatchBatch{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete old patch batches")
	}

	return result.RowsAffected, nil
}

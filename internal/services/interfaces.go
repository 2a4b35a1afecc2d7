package services

import (
	"context"

	"vtt-sync/internal/models"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs" - Rob Pike

Interfaces are defined where they are USED, not where implemented.
This package (services) is the CONSUMER of the repositories, so the
interfaces go here and only declare the methods actually called.
*/

// SessionRepository defines what the service needs from snapshot storage
type SessionRepository interface {
	LoadSession(ctx context.Context, id string) (*models.SessionRecord, error)
	SaveSession(ctx context.Context, record *models.SessionRecord) error
	List(ctx context.Context, status models.SessionStatus, limit, offset int) ([]*models.SessionRecord, error)
}

// PatchRepository defines what the service needs from the patch batch log
type PatchRepository interface {
	StoreBatch(ctx context.Context, batch *models.PatchBatch) error
	GetBatchesSince(ctx context.Context, sessionID string, afterVersion int64) ([]*models.PatchBatch, error)
	DeleteOldBatches(ctx context.Context, sessionID string, keepCount int) (int64, error)
}

// SnapshotCache defines the optional fast path for restoring sessions
type SnapshotCache interface {
	Get(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	Put(ctx context.Context, record *models.SessionRecord) error
	Delete(ctx context.Context, sessionID string) error
}

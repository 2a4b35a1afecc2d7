package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"vtt-sync/internal/models"
)

// SnapshotCache keeps the latest snapshot of each active session in Redis so
// a restarted server can restore a session without a database round trip
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache creates a Redis-backed snapshot cache
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

type cachedSnapshot struct {
	ID        string               `json:"id"`
	GMUserID  string               `json:"gmUserId"`
	Status    models.SessionStatus `json:"status"`
	Version   int64                `json:"version"`
	Hash      string               `json:"hash"`
	State     json.RawMessage      `json:"state"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

func snapshotKey(sessionID string) string {
	return "vtt:session:" + sessionID + ":snapshot"
}

const putRetries = 3

// Put stores a snapshot unless the cache already holds a newer version.
// The check and the write run in one WATCH transaction.
func (c *SnapshotCache) Put(ctx context.Context, record *models.SessionRecord) error {
	data, err := json.Marshal(cachedSnapshot{
		ID:        record.ID,
		GMUserID:  record.GMUserID,
		Status:    record.Status,
		Version:   record.Version,
		Hash:      record.Hash,
		State:     record.State,
		UpdatedAt: record.UpdatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}

	key := snapshotKey(record.ID)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var snap cachedSnapshot
			if json.Unmarshal(current, &snap) == nil && snap.Version > record.Version {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < putRetries; i++ {
		err = c.client.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return errors.Wrap(err, "failed to cache snapshot")
	}
	return nil
}

// Get returns a cached snapshot or ErrNotFound
func (c *SnapshotCache) Get(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	data, err := c.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.Wrapf(ErrNotFound, "snapshot %s", sessionID)
		}
		return nil, errors.Wrap(err, "failed to get snapshot")
	}

	var snap cachedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal snapshot")
	}

	return &models.SessionRecord{
		ID:        snap.ID,
		GMUserID:  snap.GMUserID,
		Status:    snap.Status,
		Version:   snap.Version,
		Hash:      snap.Hash,
		State:     snap.State,
		UpdatedAt: snap.UpdatedAt,
	}, nil
}

// Delete evicts a session's snapshot
func (c *SnapshotCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, snapshotKey(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete snapshot")
	}
	return nil
}

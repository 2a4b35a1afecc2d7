package services

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vtt-sync/internal/models"
	"vtt-sync/internal/repository"
)

/*
LEARNING: PERSISTENCE WORKER POOL PATTERN

Game sessions must never wait on the database. After every applied batch the
session actor hands a snapshot to this pool and moves on.

Key Concepts:
1. **Buffered channels**: one job queue per worker
2. **Session affinity**: a session always hashes to the same worker, so its
   snapshots are written in the order the session produced them
3. **Non-blocking enqueue**: a full queue skips the snapshot instead of
   stalling the session; the next batch carries the full state anyway
4. **Graceful Shutdown**: closing the queues lets workers drain what is left
*/

// PersistenceService stores session snapshots and patch batches in the
// background and restores sessions on demand
type PersistenceService struct {
	sessions     SessionRepository
	patches      PatchRepository
	cache        SnapshotCache // nil disables the Redis fast path
	keepBatches  int
	writeTimeout time.Duration
	log          zerolog.Logger

	// Worker pool components
	queues []chan models.PersistJob
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// PersistenceConfig sizes the worker pool
type PersistenceConfig struct {
	Workers      int
	QueueSize    int
	KeepBatches  int
	WriteTimeout time.Duration
}

// NewPersistenceService creates the service; call Start before enqueueing
func NewPersistenceService(
	sessions SessionRepository,
	patches PatchRepository,
	cache SnapshotCache,
	cfg PersistenceConfig,
	log zerolog.Logger,
) *PersistenceService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	perWorker := cfg.QueueSize / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	queues := make([]chan models.PersistJob, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan models.PersistJob, perWorker)
	}
	return &PersistenceService{
		sessions:     sessions,
		patches:      patches,
		cache:        cache,
		keepBatches:  cfg.KeepBatches,
		writeTimeout: cfg.WriteTimeout,
		log:          log.With().Str("component", "persistence").Logger(),
		queues:       queues,
	}
}

// Start spawns the workers
func (s *PersistenceService) Start() {
	s.log.Info().Int("workers", len(s.queues)).Msg("🔧 Starting persistence worker pool")

	for i := range s.queues {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.log.Info().Msg("✓ Persistence worker pool started")
}

// worker drains its queue until it is closed
func (s *PersistenceService) worker(id int) {
	defer s.wg.Done()

	log := s.log.With().Int("worker", id).Logger()
	for job := range s.queues[id] {
		if err := s.process(job); err != nil {
			log.Error().Err(err).
				Str("session_id", job.SessionID).
				Int64("version", job.Version).
				Msg("failed to persist snapshot")
			continue
		}
		log.Debug().Str("session_id", job.SessionID).Int64("version", job.Version).Msg("snapshot persisted")
	}
}

// Enqueue hands a snapshot to the workers without blocking.
// It reports false when the queue is full or the service has shut down.
func (s *PersistenceService) Enqueue(job models.PersistJob) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.queues[s.shard(job.SessionID)] <- job:
		return true
	default:
		return false
	}
}

// shard picks the worker that owns a session
func (s *PersistenceService) shard(sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

// process writes one job: the batch (if any), the snapshot, then the cache
func (s *PersistenceService) process(job models.PersistJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if len(job.Operations) > 0 {
		if err := s.patches.StoreBatch(ctx, &models.PatchBatch{
			SessionID:  job.SessionID,
			Version:    job.Version,
			Operations: job.Operations,
			Hash:       job.Hash,
			CreatedAt:  job.At,
		}); err != nil {
			return err
		}
		if s.keepBatches > 0 && job.Version%int64(s.keepBatches) == 0 {
			if _, err := s.patches.DeleteOldBatches(ctx, job.SessionID, s.keepBatches); err != nil {
				s.log.Warn().Err(err).Str("session_id", job.SessionID).Msg("failed to trim patch log")
			}
		}
	}

	record := &models.SessionRecord{
		ID:        job.SessionID,
		GMUserID:  job.GMUserID,
		Status:    job.Status,
		Version:   job.Version,
		Hash:      job.Hash,
		State:     job.State,
		UpdatedAt: job.At,
	}
	if job.Status == models.SessionEnded {
		at := job.At
		record.EndedAt = &at
	}
	if err := s.sessions.SaveSession(ctx, record); err != nil {
		return err
	}

	if s.cache == nil {
		return nil
	}
	if job.Status != models.SessionEnded {
		err := s.cache.Put(ctx, record)
		if err == nil {
			return nil
		}
		s.log.Warn().Err(err).Str("session_id", job.SessionID).Msg("failed to update snapshot cache")
	}
	// An outdated cached snapshot must not win over the database on restore.
	if err := s.cache.Delete(ctx, job.SessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", job.SessionID).Msg("failed to evict snapshot cache")
	}
	return nil
}

// LoadSession restores a session snapshot, preferring the cache
func (s *PersistenceService) LoadSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	if s.cache != nil {
		record, err := s.cache.Get(ctx, id)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn().Err(err).Str("session_id", id).Msg("snapshot cache unavailable, falling back to database")
		}
	}

	record, err := s.sessions.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && record.Status == models.SessionActive {
		if err := s.cache.Put(ctx, record); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("failed to warm snapshot cache")
		}
	}
	return record, nil
}

// ListSessions lists stored sessions without their state, newest activity first
func (s *PersistenceService) ListSessions(ctx context.Context, status models.SessionStatus, limit, offset int) ([]*models.SessionRecord, error) {
	return s.sessions.List(ctx, status, limit, offset)
}

// BatchesSince reads persisted batches newer than afterVersion, oldest first
func (s *PersistenceService) BatchesSince(ctx context.Context, sessionID string, afterVersion int64) ([]*models.PatchBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.patches.GetBatchesSince(ctx, sessionID, afterVersion)
}

// Shutdown stops accepting jobs and waits for the queue to drain
func (s *PersistenceService) Shutdown() {
	s.log.Info().Int("pending", s.GetQueueLength()).Msg("🛑 Shutting down persistence service...")

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, q := range s.queues {
			close(q)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info().Msg("✓ Persistence service shutdown complete")
}

// GetQueueLength returns current number of pending jobs
func (s *PersistenceService) GetQueueLength() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

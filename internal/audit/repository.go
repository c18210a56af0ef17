package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for audit log operations.
type Repository interface {
	// Log records an audit event and returns the stored row.
	Log(ctx context.Context, entry Entry) (*Log, error)

	// QueryByEntity returns logs for an entity, newest first. A limit of 0 means no limit.
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error)

	// QueryByActor returns logs written by a user, newest first. A limit of 0 means no limit.
	QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*Log // insertion order
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Log records an audit event.
func (r *InMemoryRepository) Log(_ context.Context, entry Entry) (*Log, error) {
	outcome := entry.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	log := &Log{
		ID:         uuid.New().String(),
		ActorID:    entry.ActorID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Outcome:    outcome,
		CreatedAt:  time.Now().UTC(),
		RequestID:  entry.RequestID,
		IPAddress:  entry.IPAddress,
		UserAgent:  entry.UserAgent,
	}

	r.mu.Lock()
	r.logs = append(r.logs, log)
	r.mu.Unlock()

	logCopy := *log
	return &logCopy, nil
}

// QueryByEntity returns logs for an entity, newest first.
func (r *InMemoryRepository) QueryByEntity(_ context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.query(limit, func(l *Log) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}), nil
}

// QueryByActor returns logs written by a user, newest first.
func (r *InMemoryRepository) QueryByActor(_ context.Context, actorID string, limit int) ([]*Log, error) {
	return r.query(limit, func(l *Log) bool { return l.ActorID == actorID }), nil
}

func (r *InMemoryRepository) query(limit int, match func(*Log) bool) []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Log
	for i := len(r.logs) - 1; i >= 0; i-- {
		if !match(r.logs[i]) {
			continue
		}
		logCopy := *r.logs[i]
		results = append(results, &logCopy)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository keeps records in a map. It is the single-instance
// fallback when REDIS_URL is unset.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewInMemoryRepository returns an empty repository using the wall clock.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (r *InMemoryRepository) Get(_ context.Context, userID, key string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.records[scopedKey(userID, key)]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &rec, nil
}

// Store stamps CreatedAt when the caller left it zero.
func (r *InMemoryRepository) Store(_ context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := scopedKey(record.UserID, record.Key)
	if _, taken := r.records[k]; taken {
		return ErrKeyExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}
	r.records[k] = *record
	return nil
}

func (r *InMemoryRepository) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-age)
	var n int64
	for k, rec := range r.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}

package idempotency

import (
	"context"
	"testing"
	"time"
)

func newRecord(userID, key string) *Record {
	fp := Fingerprint("POST", "/create-checkout", []byte(`{"packageId":"starter"}`))
	return NewRecord(userID, key, fp, 200, `{"session_id":"cs_1","url":"https://checkout.example/cs_1"}`)
}

func TestInMemoryRepository_Get(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	_, err := repo.Get(ctx, "u1", "nonexistent")
	if err != ErrKeyNotFound {
		t.Errorf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}

	key := newRecord("u1", "test-key")
	if err := repo.Store(ctx, key); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	retrieved, err := repo.Get(ctx, "u1", "test-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if retrieved.Fingerprint != key.Fingerprint {
		t.Errorf("Get() Fingerprint = %v, want %v", retrieved.Fingerprint, key.Fingerprint)
	}
	if retrieved.ResponseBody != key.ResponseBody {
		t.Errorf("Get() ResponseBody = %v, want %v", retrieved.ResponseBody, key.ResponseBody)
	}
}

func TestInMemoryRepository_Store(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	key := newRecord("u1", "test-key")
	if err := repo.Store(ctx, key); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, key); err != ErrKeyExists {
		t.Errorf("Store() duplicate error = %v, want %v", err, ErrKeyExists)
	}
}

func TestInMemoryRepository_ScopedPerUser(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	if err := repo.Store(ctx, newRecord("u1", "same-key")); err != nil {
		t.Fatalf("Store() u1 error = %v", err)
	}
	if err := repo.Store(ctx, newRecord("u2", "same-key")); err != nil {
		t.Fatalf("Store() u2 error = %v, keys must be scoped per user", err)
	}
	if _, err := repo.Get(ctx, "u3", "same-key"); err != ErrKeyNotFound {
		t.Errorf("Get() other user error = %v, want %v", err, ErrKeyNotFound)
	}
}

func TestInMemoryRepository_Store_InvalidKey(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "empty key", key: "", wantErr: ErrInvalidKey},
		{name: "key too long", key: string(make([]byte, MaxKeyLength+1)), wantErr: ErrKeyTooLong},
		{name: "control character", key: "abc\n", wantErr: ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.Store(ctx, newRecord("u1", tt.key))
			if err != tt.wantErr {
				t.Errorf("Store() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestInMemoryRepository_ClockDrivesCreatedAtAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewInMemoryRepository()
	repo.now = func() time.Time { return now }

	if err := repo.Store(ctx, newRecord("u1", "k")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err := repo.Get(ctx, "u1", "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}

	now = now.Add(2 * time.Hour)
	if n, _ := repo.DeleteOlderThan(ctx, 3*time.Hour); n != 0 {
		t.Errorf("deleted %d records younger than the cutoff", n)
	}
	if n, _ := repo.DeleteOlderThan(ctx, time.Hour); n != 1 {
		t.Errorf("DeleteOlderThan(1h) = %d, want 1", n)
	}
	if _, err := repo.Get(ctx, "u1", "k"); err != ErrKeyNotFound {
		t.Errorf("Get() after expiry error = %v, want %v", err, ErrKeyNotFound)
	}
}

func TestInMemoryRepository_Isolation(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	key := newRecord("u1", "k")
	if err := repo.Store(ctx, key); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	key.ResponseBody = "mutated"

	got, _ := repo.Get(ctx, "u1", "k")
	if got.ResponseBody == "mutated" {
		t.Error("stored record must not alias the caller's struct")
	}
	got.ResponseBody = "mutated again"
	again, _ := repo.Get(ctx, "u1", "k")
	if again.ResponseBody == "mutated again" {
		t.Error("returned record must be a copy")
	}
}

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Store with in-memory storage.
// A single mutex serializes writes, which gives the same check-and-insert
// atomicity the Postgres unique index provides.
type InMemoryStore struct {
	mu         sync.RWMutex
	profiles   map[string]*Profile
	packages   map[string]CreditPackage
	services   map[string]Service
	entries    []Entry
	byRef      map[string]int // "type|reference_id" -> index into entries
	executions []ServiceExecution
	execByRef  map[string]int
}

// NewInMemoryStore creates an empty in-memory ledger store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles:  make(map[string]*Profile),
		packages:  make(map[string]CreditPackage),
		services:  make(map[string]Service),
		byRef:     make(map[string]int),
		execByRef: make(map[string]int),
	}
}

// PutProfile seeds or replaces a profile, including its balance.
func (s *InMemoryStore) PutProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.ID] = &p
}

// PutPackage seeds a credit package.
func (s *InMemoryStore) PutPackage(p CreditPackage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[p.ID] = p
}

// PutService seeds a service.
func (s *InMemoryStore) PutService(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = svc
}

// Executions returns a copy of all recorded service executions.
func (s *InMemoryStore) Executions() []ServiceExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceExecution, len(s.executions))
	copy(out, s.executions)
	return out
}

// Entries returns a copy of every ledger entry in insertion order.
func (s *InMemoryStore) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func refKey(t EntryType, ref string) string {
	return string(t) + "|" + ref
}

// GetPackage returns an active credit package.
func (s *InMemoryStore) GetPackage(_ context.Context, id string) (CreditPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[id]
	if !ok || !p.IsActive {
		return CreditPackage{}, ErrPackageNotFound
	}
	return p, nil
}

// GetService returns an active service.
func (s *InMemoryStore) GetService(_ context.Context, id string) (Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok || !svc.IsActive {
		return Service{}, ErrServiceNotFound
	}
	return svc, nil
}

// ListPackages returns active packages ordered by price.
func (s *InMemoryStore) ListPackages(_ context.Context) ([]CreditPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CreditPackage, 0, len(s.packages))
	for _, p := range s.packages {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price == out[j].Price {
			return out[i].ID < out[j].ID
		}
		return out[i].Price < out[j].Price
	})
	return out, nil
}

// ListServices returns active services ordered by price.
func (s *InMemoryStore) ListServices(_ context.Context) ([]Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Service, 0, len(s.services))
	for _, svc := range s.services {
		if svc.IsActive {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price == out[j].Price {
			return out[i].ID < out[j].ID
		}
		return out[i].Price < out[j].Price
	})
	return out, nil
}

// appendLocked inserts entry unless its reference is already taken.
// Caller must hold the write lock.
func (s *InMemoryStore) appendLocked(entry Entry) (Entry, bool) {
	unique := entry.Type.UniqueByReference() && entry.ReferenceID != ""
	if unique {
		if idx, ok := s.byRef[refKey(entry.Type, entry.ReferenceID)]; ok {
			return s.entries[idx], false
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, entry)
	if unique {
		s.byRef[refKey(entry.Type, entry.ReferenceID)] = len(s.entries) - 1
	}
	return entry, true
}

// ApplyCredit appends a crediting entry and increments the balance.
func (s *InMemoryStore) ApplyCredit(_ context.Context, entry Entry) (Entry, bool, error) {
	if err := validateEntry(entry); err != nil {
		return Entry{}, false, err
	}
	if entry.Type.Sign() <= 0 {
		return Entry{}, false, ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[entry.UserID]
	if !ok {
		return Entry{}, false, ErrProfileNotFound
	}
	stored, applied := s.appendLocked(entry)
	if applied {
		profile.Credits += stored.Amount
		profile.UpdatedAt = time.Now().UTC()
	}
	return stored, applied, nil
}

// RecordEntry appends a record-only entry.
func (s *InMemoryStore) RecordEntry(_ context.Context, entry Entry) (Entry, bool, error) {
	if err := validateEntry(entry); err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[entry.UserID]; !ok {
		return Entry{}, false, ErrProfileNotFound
	}
	stored, applied := s.appendLocked(entry)
	return stored, applied, nil
}

func (s *InMemoryStore) appendExecutionLocked(exec ServiceExecution) (ServiceExecution, bool) {
	if exec.ReferenceID != "" {
		if idx, ok := s.execByRef[exec.ReferenceID]; ok {
			return s.executions[idx], false
		}
	}
	now := time.Now().UTC()
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	s.executions = append(s.executions, exec)
	if exec.ReferenceID != "" {
		s.execByRef[exec.ReferenceID] = len(s.executions) - 1
	}
	return exec, true
}

// RecordExecution inserts a service execution.
func (s *InMemoryStore) RecordExecution(_ context.Context, exec ServiceExecution) (ServiceExecution, bool, error) {
	if exec.UserID == "" || exec.ServiceID == "" {
		return ServiceExecution{}, false, ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, applied := s.appendExecutionLocked(exec)
	return stored, applied, nil
}

// SpendCredits debits the balance if it covers entry.Amount.
func (s *InMemoryStore) SpendCredits(_ context.Context, entry Entry, exec ServiceExecution) (Entry, ServiceExecution, error) {
	if err := validateEntry(entry); err != nil {
		return Entry{}, ServiceExecution{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[entry.UserID]
	if !ok {
		return Entry{}, ServiceExecution{}, ErrProfileNotFound
	}
	if profile.Credits < entry.Amount {
		return Entry{}, ServiceExecution{}, ErrInsufficientCredits
	}

	storedExec, _ := s.appendExecutionLocked(exec)
	entry.ReferenceID = storedExec.ID
	stored, _ := s.appendLocked(entry)
	profile.Credits -= entry.Amount
	profile.UpdatedAt = time.Now().UTC()
	return stored, storedExec, nil
}

// FindEntryByReference returns the entry with the given type and reference.
func (s *InMemoryStore) FindEntryByReference(_ context.Context, entryType EntryType, referenceID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Type == entryType && e.ReferenceID == referenceID {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

// ListEntries returns the user's newest entries first.
func (s *InMemoryStore) ListEntries(_ context.Context, userID string, limit int) ([]Entry, error) {
	limit = ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].UserID == userID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// GetProfile returns a copy of the user's profile.
func (s *InMemoryStore) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return *p, nil
}

// EnsureProfile creates the profile with a zero balance if missing.
func (s *InMemoryStore) EnsureProfile(_ context.Context, profile Profile) error {
	if profile.ID == "" {
		return ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile.ID]; ok {
		return nil
	}
	now := time.Now().UTC()
	profile.Credits = 0
	profile.CreatedAt = now
	profile.UpdatedAt = now
	s.profiles[profile.ID] = &profile
	return nil
}

// BalanceDrift compares every profile counter with its ledger sum.
func (s *InMemoryStore) BalanceDrift(_ context.Context) ([]Drift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]int64, len(s.profiles))
	for _, e := range s.entries {
		sums[e.UserID] += e.Type.Sign() * e.Amount
	}

	var drifts []Drift
	for id, p := range s.profiles {
		if p.Credits != sums[id] {
			drifts = append(drifts, Drift{UserID: id, Counter: p.Credits, LedgerSum: sums[id]})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].UserID < drifts[j].UserID })
	return drifts, nil
}

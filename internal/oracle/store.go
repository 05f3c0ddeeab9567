package oracle

import (
	"context"
	"sync"
	"time"

	"compliance-custody/internal/compliance"
)

// Record is an authorization entry keyed by fingerprint.
type Record struct {
	Fingerprint  compliance.Fingerprint
	Status       compliance.Status
	RegisteredAt time.Time
	ExpiresAt    time.Time
	// Pooled counts identical requests sharing the fingerprint; each consumption uses one.
	Pooled int64
}

// Store persists authorization records.
type Store interface {
	// Register adds a pending record, or pools into a live pending/approved one.
	Register(ctx context.Context, fp compliance.Fingerprint, now, expiresAt time.Time) (Record, error)
	// Get returns the record with Status NotFound when absent and Expired when stale.
	Get(ctx context.Context, fp compliance.Fingerprint, now time.Time) (Record, error)
	// Decide moves a pending record to status and returns the status it had before.
	Decide(ctx context.Context, fp compliance.Fingerprint, status compliance.Status, now time.Time) (compliance.Status, error)
	// Consume uses one approval. The returned status is Approved when consumption happened,
	// otherwise the status that prevented it.
	Consume(ctx context.Context, fp compliance.Fingerprint, now time.Time) (Record, compliance.Status, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[compliance.Fingerprint]*Record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[compliance.Fingerprint]*Record)}
}

func (s *MemoryStore) Register(_ context.Context, fp compliance.Fingerprint, now, expiresAt time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[fp]; ok && now.Before(rec.ExpiresAt) {
		if rec.Status == compliance.StatusPending || rec.Status == compliance.StatusApproved {
			rec.Pooled++
			return *rec, nil
		}
	}

	rec := &Record{
		Fingerprint:  fp,
		Status:       compliance.StatusPending,
		RegisteredAt: now,
		ExpiresAt:    expiresAt,
		Pooled:       1,
	}
	s.records[fp] = rec
	return *rec, nil
}

func (s *MemoryStore) Get(_ context.Context, fp compliance.Fingerprint, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fp]
	if !ok {
		return Record{Fingerprint: fp, Status: compliance.StatusNotFound}, nil
	}
	out := *rec
	if !now.Before(rec.ExpiresAt) {
		out.Status = compliance.StatusExpired
	}
	return out, nil
}

func (s *MemoryStore) Decide(_ context.Context, fp compliance.Fingerprint, status compliance.Status, now time.Time) (compliance.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fp]
	if !ok {
		return compliance.StatusNotFound, nil
	}
	if !now.Before(rec.ExpiresAt) {
		return compliance.StatusExpired, nil
	}
	prior := rec.Status
	if prior == compliance.StatusPending {
		rec.Status = status
	}
	return prior, nil
}

func (s *MemoryStore) Consume(_ context.Context, fp compliance.Fingerprint, now time.Time) (Record, compliance.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fp]
	if !ok {
		return Record{Fingerprint: fp}, compliance.StatusNotFound, nil
	}
	if !now.Before(rec.ExpiresAt) {
		return *rec, compliance.StatusExpired, nil
	}
	if rec.Status != compliance.StatusApproved {
		return *rec, rec.Status, nil
	}

	out := *rec
	rec.Pooled--
	if rec.Pooled <= 0 {
		delete(s.records, fp)
	}
	return out, compliance.StatusApproved, nil
}

var _ Store = (*MemoryStore)(nil)

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Kind names a published record type.
type Kind string

const (
	Deposit    Kind = "deposit"
	Withdrawal Kind = "withdrawal"
	Transfer   Kind = "transfer"
	Settlement Kind = "settlement"
)

// Record is an append-only audit entry. Withdrawal records use Source for the account;
// Settlement records carry the net amount and the consumed authorization.
type Record struct {
	ID              uuid.UUID
	Kind            Kind
	Source          common.Address
	Destination     common.Address
	Currency        common.Address
	Amount          *uint256.Int
	AuthorizationID string
	At              time.Time
}

// NewRecord stamps a record with a fresh id.
func NewRecord(kind Kind, source, destination, currency common.Address, amount *uint256.Int, at time.Time) Record {
	return Record{
		ID:          uuid.New(),
		Kind:        kind,
		Source:      source,
		Destination: destination,
		Currency:    currency,
		Amount:      amount.Clone(),
		At:          at,
	}
}

type recordJSON struct {
	ID              string `json:"id"`
	Kind            Kind   `json:"kind"`
	Source          string `json:"source"`
	Destination     string `json:"destination,omitempty"`
	Currency        string `json:"currency"`
	Amount          string `json:"amount"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	At              string `json:"at"`
}

// MarshalJSON renders addresses in checksum hex and amounts as decimal strings.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:              r.ID.String(),
		Kind:            r.Kind,
		Source:          r.Source.Hex(),
		Currency:        r.Currency.Hex(),
		Amount:          "0",
		AuthorizationID: r.AuthorizationID,
		At:              r.At.UTC().Format(time.RFC3339Nano),
	}
	if r.Destination != (common.Address{}) {
		out.Destination = r.Destination.Hex()
	}
	if r.Amount != nil {
		out.Amount = r.Amount.Dec()
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	id, err := uuid.Parse(in.ID)
	if err != nil {
		return fmt.Errorf("parse record id: %w", err)
	}
	amount, err := uint256.FromDecimal(in.Amount)
	if err != nil {
		return fmt.Errorf("parse record amount: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, in.At)
	if err != nil {
		return fmt.Errorf("parse record time: %w", err)
	}
	*r = Record{
		ID:              id,
		Kind:            in.Kind,
		Source:          common.HexToAddress(in.Source),
		Currency:        common.HexToAddress(in.Currency),
		Amount:          amount,
		AuthorizationID: in.AuthorizationID,
		At:              at,
	}
	if in.Destination != "" {
		r.Destination = common.HexToAddress(in.Destination)
	}
	return nil
}

// Publisher delivers committed records to auditors and indexers.
type Publisher interface {
	Publish(ctx context.Context, records []Record) error
}

// MemoryLog keeps records in process memory.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Publish(_ context.Context, records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, records...)
	return nil
}

// List returns all records in publication order.
func (l *MemoryLog) List() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Recent returns up to limit records, newest first.
func (l *MemoryLog) Recent(limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.records) {
		limit = len(l.records)
	}
	out := make([]Record, 0, limit)
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.records[i])
	}
	return out
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, records []Record) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = (*MemoryLog)(nil)
	_ Publisher = Fanout(nil)
)

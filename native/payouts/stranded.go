package payouts

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"whitelistpayouts/core/identity"
)

// StrandedEntry is value a refund could not return to its payer. It stays
// with the coordinator until an operator resolves it.
type StrandedEntry struct {
	ID          string
	Payer       identity.AccountID
	Receiver    identity.AccountID
	Amount      *big.Int
	Reason      string
	RecordedAt  time.Time
	ResolvedAt  time.Time
	Destination identity.AccountID
	ResolveTx   string
}

// Resolved reports whether the entry was settled manually.
func (e StrandedEntry) Resolved() bool { return !e.ResolvedAt.IsZero() }

type strandedJSON struct {
	ID          string             `json:"id"`
	Payer       identity.AccountID `json:"payer"`
	Receiver    identity.AccountID `json:"receiver"`
	Amount      string             `json:"amount"`
	Reason      string             `json:"reason"`
	RecordedAt  time.Time          `json:"recordedAt"`
	ResolvedAt  *time.Time         `json:"resolvedAt,omitempty"`
	Destination identity.AccountID `json:"destination,omitempty"`
	ResolveTx   string             `json:"resolveTx,omitempty"`
}

// MarshalJSON encodes the amount as a decimal string.
func (e StrandedEntry) MarshalJSON() ([]byte, error) {
	out := strandedJSON{
		ID:          e.ID,
		Payer:       e.Payer,
		Receiver:    e.Receiver,
		Amount:      "0",
		Reason:      e.Reason,
		RecordedAt:  e.RecordedAt,
		Destination: e.Destination,
		ResolveTx:   e.ResolveTx,
	}
	if e.Amount != nil {
		out.Amount = e.Amount.String()
	}
	if e.Resolved() {
		resolved := e.ResolvedAt
		out.ResolvedAt = &resolved
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an entry produced by MarshalJSON.
func (e *StrandedEntry) UnmarshalJSON(data []byte) error {
	var raw strandedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(raw.Amount, 10)
	if !ok {
		return fmt.Errorf("payouts: stranded amount %q", raw.Amount)
	}
	*e = StrandedEntry{
		ID:          raw.ID,
		Payer:       raw.Payer,
		Receiver:    raw.Receiver,
		Amount:      amount,
		Reason:      raw.Reason,
		RecordedAt:  raw.RecordedAt,
		Destination: raw.Destination,
		ResolveTx:   raw.ResolveTx,
	}
	if raw.ResolvedAt != nil {
		e.ResolvedAt = *raw.ResolvedAt
	}
	return nil
}

// StrandedLedger persists stranded entries.
type StrandedLedger interface {
	Record(ctx context.Context, entry StrandedEntry) error
	Get(ctx context.Context, id string) (StrandedEntry, error)
	List(ctx context.Context, includeResolved bool) ([]StrandedEntry, error)
	MarkResolved(ctx context.Context, id string, destination identity.AccountID, txID string, at time.Time) error
}

// MemoryStrandedLedger keeps entries in memory.
type MemoryStrandedLedger struct {
	mu      sync.Mutex
	entries map[string]StrandedEntry
}

// NewMemoryStrandedLedger returns an empty ledger.
func NewMemoryStrandedLedger() *MemoryStrandedLedger {
	return &MemoryStrandedLedger{entries: make(map[string]StrandedEntry)}
}

func (m *MemoryStrandedLedger) Record(_ context.Context, entry StrandedEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("payouts: stranded entry id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Amount = cloneAmount(entry.Amount)
	m.entries[entry.ID] = entry
	return nil
}

func (m *MemoryStrandedLedger) Get(_ context.Context, id string) (StrandedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return StrandedEntry{}, fmt.Errorf("%w: %s", ErrStrandedNotFound, id)
	}
	entry.Amount = cloneAmount(entry.Amount)
	return entry, nil
}

func (m *MemoryStrandedLedger) List(_ context.Context, includeResolved bool) ([]StrandedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StrandedEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		if entry.Resolved() && !includeResolved {
			continue
		}
		entry.Amount = cloneAmount(entry.Amount)
		out = append(out, entry)
	}
	SortStranded(out)
	return out, nil
}

func (m *MemoryStrandedLedger) MarkResolved(_ context.Context, id string, destination identity.AccountID, txID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrandedNotFound, id)
	}
	if entry.Resolved() {
		return fmt.Errorf("%w: %s", ErrStrandedResolved, id)
	}
	entry.ResolvedAt = at
	entry.Destination = destination
	entry.ResolveTx = txID
	m.entries[id] = entry
	return nil
}

// SortStranded orders entries oldest first.
func SortStranded(entries []StrandedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].RecordedAt.Equal(entries[j].RecordedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

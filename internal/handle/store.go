// Package handle implements the query handle store: opaque tokens mapping to
// previously discovered work-item sets, so bulk actions never re-specify raw
// ids from an agent's memory.
package handle

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/handlebar/internal/types"
)

// ErrNotFound is returned when a handle does not exist or has expired.
// Expiry is indistinguishable from absence by design: callers present a
// uniform "handle expired" message.
var ErrNotFound = errors.New("query handle not found or expired")

// ErrUndoConflict is returned when a compare-and-remove loses the race: the
// ledger entry being popped is no longer the most recent one.
var ErrUndoConflict = errors.New("operation is no longer the most recent ledger entry")

// DefaultTTL is how long a handle lives when the caller does not specify.
const DefaultTTL = time.Hour

// Entry is one stored handle. The item-ID list is immutable after creation;
// only the ledger mutates, and only by append or compare-and-remove pop.
type Entry struct {
	ID        string                      `json:"id"`
	ItemIDs   []int                       `json:"item_ids"`
	Context   map[int]types.ItemContext   `json:"context,omitempty"`
	Query     types.QueryMetadata         `json:"query"`
	CreatedAt time.Time                   `json:"created_at"`
	ExpiresAt time.Time                   `json:"expires_at"`
	Ledger    []types.OperationRecord     `json:"ledger,omitempty"`
}

// Store holds handles in process with lazy expiry: an expired entry is
// deleted the first time a read observes it past its deadline. There is no
// background sweep.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextSeq int64
	now     func() time.Time
}

// NewStore creates an empty store using the real clock.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// NewStoreWithClock creates a store with an injectable clock for tests.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		entries: make(map[string]*Entry),
		now:     now,
	}
}

// Create stores a new handle and returns its opaque token. A zero ttl means
// DefaultTTL. The id list and context map are copied so later caller
// mutations cannot leak in.
func (s *Store) Create(itemIDs []int, meta types.QueryMetadata, ttl time.Duration, itemContext map[int]types.ItemContext) string {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ids := make([]int, len(itemIDs))
	copy(ids, itemIDs)

	var ctx map[int]types.ItemContext
	if itemContext != nil {
		ctx = make(map[int]types.ItemContext, len(itemContext))
		for k, v := range itemContext {
			ctx[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry := &Entry{
		ID:        "qh-" + uuid.NewString(),
		ItemIDs:   ids,
		Context:   ctx,
		Query:     meta,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.entries[entry.ID] = entry
	return entry.ID
}

// Get returns the entry for a handle, or ErrNotFound when the handle is
// missing or expired. The returned entry is a snapshot; the ledger slice is
// copied so concurrent appends do not race with readers.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntryLocked(id)
	if err != nil {
		return nil, err
	}
	return snapshot(entry), nil
}

// RecordOperation appends a ledger record for a handle that is still valid.
// The store assigns the sequence number.
func (s *Store) RecordOperation(id string, opType types.ActionType, changes []types.ItemChange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntryLocked(id)
	if err != nil {
		return 0, err
	}

	s.nextSeq++
	entry.Ledger = append(entry.Ledger, types.OperationRecord{
		Seq:     s.nextSeq,
		Type:    opType,
		At:      s.now(),
		Changes: changes,
	})
	return s.nextSeq, nil
}

// OperationHistory returns the handle's ledger, oldest first. An expired or
// unknown handle returns ErrNotFound; a valid handle with no history returns
// an empty slice.
func (s *Store) OperationHistory(id string) ([]types.OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntryLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]types.OperationRecord, len(entry.Ledger))
	copy(out, entry.Ledger)
	return out, nil
}

// LastOperation returns the most recent ledger record, or ok=false when the
// ledger is empty.
func (s *Store) LastOperation(id string) (types.OperationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntryLocked(id)
	if err != nil {
		return types.OperationRecord{}, false, err
	}
	if len(entry.Ledger) == 0 {
		return types.OperationRecord{}, false, nil
	}
	return entry.Ledger[len(entry.Ledger)-1], true, nil
}

// RemoveOperation pops the ledger entry with the given sequence number, but
// only while it is still the most recent record. Two concurrent undo calls
// cannot both succeed against the same entry.
func (s *Store) RemoveOperation(id string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveEntryLocked(id)
	if err != nil {
		return err
	}
	if len(entry.Ledger) == 0 {
		return ErrUndoConflict
	}
	last := entry.Ledger[len(entry.Ledger)-1]
	if last.Seq != seq {
		return ErrUndoConflict
	}
	entry.Ledger = entry.Ledger[:len(entry.Ledger)-1]
	return nil
}

// List returns snapshots of all live handles, for operator inspection.
func (s *Store) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*Entry
	for id, entry := range s.entries {
		if !entry.ExpiresAt.After(now) {
			delete(s.entries, id)
			continue
		}
		out = append(out, snapshot(entry))
	}
	return out
}

// liveEntryLocked fetches an entry, lazily deleting it when expired.
func (s *Store) liveEntryLocked(id string) (*Entry, error) {
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.ExpiresAt.After(s.now()) {
		delete(s.entries, id)
		return nil, ErrNotFound
	}
	return entry, nil
}

func snapshot(entry *Entry) *Entry {
	out := *entry
	out.Ledger = make([]types.OperationRecord, len(entry.Ledger))
	copy(out.Ledger, entry.Ledger)
	return &out
}

// Package transfers owns the per-transfer lifecycle records.
package transfers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lanbeam/lanbeam/internal/protocol"
)

// DefaultHistoryLimit caps HistoryFor when the caller passes no limit.
const DefaultHistoryLimit = 10

var (
	ErrAlreadyExists     = errors.New("transfer already exists")
	ErrNotFound          = errors.New("transfer not found")
	ErrInvalidTransition = errors.New("invalid transfer status transition")
)

// allowedTransitions lists every legal forward edge of the lifecycle.
// Terminal states have no outgoing edges. pending→completed exists for
// relay uploads that carry their own sender/receiver headers and arrive
// without a signaled answer.
var allowedTransitions = map[string][]string{
	protocol.TransferPending: {
		protocol.TransferAccepted,
		protocol.TransferRejected,
		protocol.TransferCompleted,
	},
	protocol.TransferAccepted: {
		protocol.TransferTransferring,
		protocol.TransferCompleted,
		protocol.TransferFailed,
	},
	protocol.TransferTransferring: {
		protocol.TransferCompleted,
		protocol.TransferFailed,
	},
}

// Patch carries the mutable fields of a transfer update. Nil fields are
// left untouched.
type Patch struct {
	Status   *string
	Progress *int
}

// Store owns all transfer records. All methods are safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	transfers map[string]*protocol.Transfer
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		transfers: make(map[string]*protocol.Transfer),
		now:       time.Now,
	}
}

// Create inserts a new transfer record. The id, file metadata and endpoint
// ids are immutable afterwards.
func (s *Store) Create(t protocol.Transfer) (protocol.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[t.ID]; exists {
		return protocol.Transfer{}, ErrAlreadyExists
	}
	if t.Status == "" {
		t.Status = protocol.TransferPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	stored := t
	s.transfers[t.ID] = &stored
	return t, nil
}

// Update applies a status and/or progress patch. Progress is max-merged so
// it never decreases; a transition into a terminal state stamps completed-at
// and freezes the record.
func (s *Store) Update(id string, patch Patch) (protocol.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.transfers[id]
	if !exists {
		return protocol.Transfer{}, ErrNotFound
	}
	if protocol.IsTerminal(t.Status) {
		return *t, ErrInvalidTransition
	}

	status := t.Status
	if patch.Status != nil && *patch.Status != status {
		if !transitionAllowed(status, *patch.Status) {
			return *t, ErrInvalidTransition
		}
		status = *patch.Status
	}

	progress := t.Progress
	if patch.Progress != nil && *patch.Progress > progress {
		progress = *patch.Progress
	}
	if progress > 100 {
		progress = 100
	}

	// Progress 100 means completed and completed means progress 100; the
	// two never hold separately.
	if status == protocol.TransferCompleted {
		progress = 100
	} else if progress == 100 {
		if !transitionAllowed(status, protocol.TransferCompleted) {
			return *t, ErrInvalidTransition
		}
		status = protocol.TransferCompleted
	}

	t.Status = status
	t.Progress = progress
	if protocol.IsTerminal(status) {
		completed := s.now()
		t.CompletedAt = &completed
	}
	return *t, nil
}

// Get returns a copy of the transfer record.
func (s *Store) Get(id string) (protocol.Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.transfers[id]
	if !exists {
		return protocol.Transfer{}, false
	}
	return *t, true
}

// ActiveFor returns the non-terminal transfers the device participates in.
func (s *Store) ActiveFor(deviceID string) []protocol.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := []protocol.Transfer{}
	for _, t := range s.transfers {
		if !involves(t, deviceID) || protocol.IsTerminal(t.Status) {
			continue
		}
		active = append(active, *t)
	}
	sortByCreatedDesc(active)
	return active
}

// HistoryFor returns the device's terminal transfers, newest first,
// truncated to limit.
func (s *Store) HistoryFor(deviceID string, limit int) []protocol.Transfer {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := []protocol.Transfer{}
	for _, t := range s.transfers {
		if !involves(t, deviceID) || !protocol.IsTerminal(t.Status) {
			continue
		}
		history = append(history, *t)
	}
	sortByCreatedDesc(history)
	if len(history) > limit {
		history = history[:limit]
	}
	return history
}

func transitionAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func involves(t *protocol.Transfer, deviceID string) bool {
	return t.SenderID == deviceID || t.ReceiverID == deviceID
}

func sortByCreatedDesc(list []protocol.Transfer) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

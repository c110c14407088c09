// Package relay buffers file payloads for transfers that fell back from the
// direct peer path. Entries are short-lived: the buffer is a hand-off point,
// not storage.
package relay

import (
	"sync"
	"time"
)

// Retention windows.
const (
	// UnusedTTL removes an uploaded payload that was never downloaded.
	UnusedTTL = 30 * time.Second
	// DownloadedTTL removes a payload after a successful download begins.
	DownloadedTTL = 60 * time.Second
)

// Entry is one buffered payload, keyed by transfer id.
type Entry struct {
	Payload      []byte
	FileName     string
	MediaType    string
	RelativePath string
	UploadedAt   time.Time
}

// Buffer owns relayed payloads plus the bookkeeping sets the fallback path
// needs: which transfers are authorized for download, which uploads already
// completed, and which receivers were already notified.
type Buffer struct {
	mu        sync.Mutex
	entries   map[string]Entry
	accepted  map[string]bool
	processed map[string]bool
	notified  map[string]bool
	timers    map[string]*time.Timer
	closed    bool

	unusedTTL     time.Duration
	downloadedTTL time.Duration
	now           func() time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{
		entries:       make(map[string]Entry),
		accepted:      make(map[string]bool),
		processed:     make(map[string]bool),
		notified:      make(map[string]bool),
		timers:        make(map[string]*time.Timer),
		unusedTTL:     UnusedTTL,
		downloadedTTL: DownloadedTTL,
		now:           time.Now,
	}
}

// Put stores an uploaded payload, marks the upload processed, and schedules
// removal after the unused-entry window.
func (b *Buffer) Put(transferID string, e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if e.RelativePath == "" {
		e.RelativePath = e.FileName
	}
	if e.UploadedAt.IsZero() {
		e.UploadedAt = b.now()
	}
	b.entries[transferID] = e
	b.processed[transferID] = true
	// An entry expiring unused keeps its acceptance flag: only a download
	// schedules the flag's removal.
	b.scheduleLocked(transferID, b.unusedTTL, false)
}

// Get returns the buffered entry, if any.
func (b *Buffer) Get(transferID string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[transferID]
	return e, exists
}

// Accept authorizes the transfer for download. Called when the receiver
// answers the offer with accepted=true.
func (b *Buffer) Accept(transferID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted[transferID] = true
}

// IsAccepted reports whether the receiver authorized this transfer.
func (b *Buffer) IsAccepted(transferID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted[transferID]
}

// Processed reports whether an upload for this transfer already completed.
// Retried uploads short-circuit on it.
func (b *Buffer) Processed(transferID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed[transferID]
}

// MarkNotified records a completion push for the transfer and reports
// whether this was the first one. The flag is sticky for the process
// lifetime so a receiver never sees a second completion notice, no matter
// how late a duplicate arrives.
func (b *Buffer) MarkNotified(transferID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.notified[transferID] {
		return false
	}
	b.notified[transferID] = true
	return true
}

// ScheduleDiscard re-arms the removal timer, used to keep a downloaded entry
// around briefly for a retried GET.
func (b *Buffer) ScheduleDiscard(transferID string, after time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, exists := b.entries[transferID]; !exists {
		return
	}
	b.scheduleLocked(transferID, after, true)
}

// Discard removes the entry and the transfer's acceptance flag.
func (b *Buffer) Discard(transferID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discardLocked(transferID, true)
}

// Close stops all pending removal timers and drops every entry.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
	b.entries = make(map[string]Entry)
	b.accepted = make(map[string]bool)
	b.processed = make(map[string]bool)
	b.notified = make(map[string]bool)
}

func (b *Buffer) scheduleLocked(transferID string, after time.Duration, dropAccepted bool) {
	if timer, exists := b.timers[transferID]; exists {
		timer.Stop()
	}
	b.timers[transferID] = time.AfterFunc(after, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.discardLocked(transferID, dropAccepted)
	})
}

// discardLocked drops the entry and its processed marker. The notified flag
// always survives so a transfer never produces a second completion notice.
func (b *Buffer) discardLocked(transferID string, dropAccepted bool) {
	if timer, exists := b.timers[transferID]; exists {
		timer.Stop()
		delete(b.timers, transferID)
	}
	delete(b.entries, transferID)
	delete(b.processed, transferID)
	if dropAccepted {
		delete(b.accepted, transferID)
	}
}

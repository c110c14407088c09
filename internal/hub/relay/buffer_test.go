package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetRoundTrip(t *testing.T) {
	b := NewBuffer()
	defer b.Close()

	payload := []byte("file bytes")
	b.Put("t1", Entry{Payload: payload, FileName: "notes.txt", MediaType: "text/plain"})

	e, ok := b.Get("t1")
	require.True(t, ok)
	assert.Equal(t, payload, e.Payload)
	assert.Equal(t, "notes.txt", e.RelativePath, "relative path defaults to file name")
	assert.False(t, e.UploadedAt.IsZero())
}

func TestProcessedAfterPut(t *testing.T) {
	b := NewBuffer()
	defer b.Close()

	assert.False(t, b.Processed("t1"))
	b.Put("t1", Entry{Payload: []byte("x"), FileName: "a"})
	assert.True(t, b.Processed("t1"))
}

func TestAcceptFlag(t *testing.T) {
	b := NewBuffer()
	defer b.Close()

	assert.False(t, b.IsAccepted("t1"))
	b.Accept("t1")
	assert.True(t, b.IsAccepted("t1"))

	b.Discard("t1")
	assert.False(t, b.IsAccepted("t1"), "discard clears the acceptance flag")
}

func TestMarkNotifiedDeduplicates(t *testing.T) {
	b := NewBuffer()
	defer b.Close()

	assert.True(t, b.MarkNotified("t1"))
	assert.False(t, b.MarkNotified("t1"))
}

func TestMarkNotifiedIsSticky(t *testing.T) {
	b := NewBuffer()
	defer b.Close()

	require.True(t, b.MarkNotified("t1"))

	// Neither discarding the entry nor any amount of time re-arms the
	// notice: one completion push per transfer, ever.
	b.Put("t1", Entry{Payload: []byte("x"), FileName: "a"})
	b.Discard("t1")
	assert.False(t, b.MarkNotified("t1"))
	assert.False(t, b.MarkNotified("t1"))
}

func TestUnusedExpiryKeepsAcceptance(t *testing.T) {
	b := NewBuffer()
	defer b.Close()
	b.unusedTTL = 20 * time.Millisecond

	b.Accept("t1")
	b.Put("t1", Entry{Payload: []byte("x"), FileName: "a"})

	require.Eventually(t, func() bool {
		_, ok := b.Get("t1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	// A late re-upload is still downloadable without a fresh answer.
	assert.True(t, b.IsAccepted("t1"))
}

func TestUnusedEntryExpires(t *testing.T) {
	b := NewBuffer()
	defer b.Close()
	b.unusedTTL = 20 * time.Millisecond

	b.Put("t1", Entry{Payload: []byte("x"), FileName: "a"})

	assert.Eventually(t, func() bool {
		_, ok := b.Get("t1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleDiscardRearmsTimer(t *testing.T) {
	b := NewBuffer()
	defer b.Close()
	b.unusedTTL = time.Hour

	b.Put("t1", Entry{Payload: []byte("x"), FileName: "a"})
	b.ScheduleDiscard("t1", 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, ok := b.Get("t1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCloseStopsTimers(t *testing.T) {
	b := NewBuffer()
	b.Put("t1", Entry{Payload: []byte("x"), FileName: "a"})
	b.Close()

	_, ok := b.Get("t1")
	assert.False(t, ok)

	// Put after Close is a no-op.
	b.Put("t2", Entry{Payload: []byte("y"), FileName: "b"})
	_, ok = b.Get("t2")
	assert.False(t, ok)
}

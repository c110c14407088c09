package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanbeam/lanbeam/internal/protocol"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleTransfer(id string) protocol.Transfer {
	return protocol.Transfer{
		ID:         id,
		FileName:   "report.pdf",
		FileSize:   2048,
		FileType:   "application/pdf",
		SenderID:   "alpha",
		ReceiverID: "beta",
		Status:     protocol.TransferPending,
		Progress:   0,
		CreatedAt:  time.Now(),
	}
}

func TestRecordAndList(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordTransfer(sampleTransfer("t1"), "send"))

	records, err := j.List(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].TransferID)
	assert.Equal(t, "beta", records[0].PeerID)
	assert.Equal(t, "send", records[0].Direction)
	assert.Equal(t, protocol.TransferPending, records[0].Status)
}

func TestReceiveDirectionJournalsSenderAsPeer(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordTransfer(sampleTransfer("t1"), "receive"))

	records, err := j.List(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alpha", records[0].PeerID)
}

func TestDuplicateRecordIsNoop(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordTransfer(sampleTransfer("t1"), "send"))
	require.NoError(t, j.UpdateTransfer("t1", protocol.TransferTransferring, 40))
	require.NoError(t, j.RecordTransfer(sampleTransfer("t1"), "send"))

	records, err := j.List(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, protocol.TransferTransferring, records[0].Status)
	assert.Equal(t, 40, records[0].Progress)
}

func TestTerminalUpdateStampsCompletion(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordTransfer(sampleTransfer("t1"), "send"))
	require.NoError(t, j.UpdateTransfer("t1", protocol.TransferCompleted, 100))

	records, err := j.List(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, protocol.TransferCompleted, records[0].Status)
	assert.Equal(t, 100, records[0].Progress)
	require.NotNil(t, records[0].CompletedAt)
}

func TestListNewestFirstWithLimit(t *testing.T) {
	j := openTestJournal(t)

	for i, id := range []string{"t1", "t2", "t3"} {
		tr := sampleTransfer(id)
		tr.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, j.RecordTransfer(tr, "send"))
	}

	records, err := j.List(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "t3", records[0].TransferID)
	assert.Equal(t, "t2", records[1].TransferID)
}

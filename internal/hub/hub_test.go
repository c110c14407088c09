package hub_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lanbeam/lanbeam/internal/hub"
	"github.com/lanbeam/lanbeam/internal/logger"
	"github.com/lanbeam/lanbeam/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *httptest.Server {
	t.Helper()
	h := hub.NewHub(hub.Config{
		MaxUploadBytes:    1 << 20,
		UploadIdleTimeout: 2 * time.Second,
	}, logger.NewLogger())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil skips unrelated frames (device-list broadcasts mostly) until a
// message of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg protocol.Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type == msgType {
			return msg
		}
	}
}

func register(t *testing.T, conn *websocket.Conn, id, name string) protocol.Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.Message{
		Type:       protocol.MsgDeviceRegister,
		DeviceID:   id,
		DeviceName: name,
		DeviceType: protocol.DeviceLaptop,
	}))
	return readUntil(t, conn, protocol.MsgDeviceList)
}

func offer(t *testing.T, conn *websocket.Conn, transferID, sender, receiver string, size int64) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferOffer,
		TransferID: transferID,
		FileName:   "photo.jpg",
		FileSize:   size,
		FileType:   "image/jpeg",
		SenderID:   sender,
		ReceiverID: receiver,
	}))
}

func TestRegisterBroadcastsDeviceList(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	listA := register(t, connA, "dev-a", "alice")
	assert.Empty(t, listA.Devices)

	connB := dialWS(t, srv)
	listB := register(t, connB, "dev-b", "bob")
	require.Len(t, listB.Devices, 1)
	assert.Equal(t, "dev-a", listB.Devices[0].ID, "own record is omitted")

	broadcast := readUntil(t, connA, protocol.MsgDeviceList)
	require.Len(t, broadcast.Devices, 1)
	assert.Equal(t, "dev-b", broadcast.Devices[0].ID)
}

func TestDuplicateRegistrationEvictsPriorSession(t *testing.T) {
	srv := startHub(t)

	conn1 := dialWS(t, srv)
	register(t, conn1, "dev-x", "first")

	conn2 := dialWS(t, srv)
	list := register(t, conn2, "dev-x", "second")
	assert.Empty(t, list.Devices, "own record is omitted")

	// The hub closes the displaced session.
	_ = conn1.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg protocol.Message
		if err := conn1.ReadJSON(&msg); err != nil {
			break
		}
	}

	// The surviving session still works.
	require.NoError(t, conn2.WriteJSON(protocol.Message{Type: protocol.MsgPing, Timestamp: 42}))
	pong := readUntil(t, conn2, protocol.MsgPong)
	assert.Equal(t, int64(42), pong.OriginalTimestamp)
}

func TestOfferAnswerFlow(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")
	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")

	offer(t, connA, "t1", "dev-a", "dev-b", 48*1024)

	got := readUntil(t, connB, protocol.MsgTransferOffer)
	assert.Equal(t, "t1", got.TransferID)
	assert.Equal(t, "photo.jpg", got.FileName)

	require.NoError(t, connB.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: "t1",
		Accepted:   protocol.Bool(true),
	}))
	answer := readUntil(t, connA, protocol.MsgTransferAnswer)
	require.NotNil(t, answer.Accepted)
	assert.True(t, *answer.Accepted)
}

func TestRejectionLeavesDownloadForbidden(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")
	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")

	offer(t, connA, "t1", "dev-a", "dev-b", 100)
	readUntil(t, connB, protocol.MsgTransferOffer)

	require.NoError(t, connB.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: "t1",
		Accepted:   protocol.Bool(false),
	}))
	answer := readUntil(t, connA, protocol.MsgTransferAnswer)
	assert.False(t, *answer.Accepted)

	resp, err := http.Get(srv.URL + "/api/transfer/t1/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOfferToOfflineReceiverShowsInInventory(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")

	offer(t, connA, "t1", "dev-a", "dev-b", 100)

	// The store keeps the pending transfer even though dev-b never
	// connected; polling the inventory finds it.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/transfers/dev-b")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var inventory struct {
			Active  []protocol.Transfer `json:"active"`
			History []protocol.Transfer `json:"history"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&inventory); err != nil {
			return false
		}
		return len(inventory.Active) == 1 && inventory.Active[0].ID == "t1"
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRelayUploadDownloadRoundTrip(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")
	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")

	offer(t, connA, "t1", "dev-a", "dev-b", 1024)
	readUntil(t, connB, protocol.MsgTransferOffer)
	require.NoError(t, connB.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: "t1",
		Accepted:   protocol.Bool(true),
	}))
	readUntil(t, connA, protocol.MsgTransferAnswer)

	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 512)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/transfer/t1/upload", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Filename", url.QueryEscape("photo.jpg"))
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The receiver gets exactly one completion push.
	complete := readUntil(t, connB, protocol.MsgTransferComplete)
	assert.Equal(t, "t1", complete.TransferID)

	resp, err = http.Get(srv.URL + "/api/transfer/t1/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "photo.jpg")

	downloaded, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, downloaded, "relayed bytes match the original")
}

func TestUploadIsIdempotent(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")
	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")

	offer(t, connA, "t1", "dev-a", "dev-b", 4)
	readUntil(t, connB, protocol.MsgTransferOffer)
	require.NoError(t, connB.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: "t1",
		Accepted:   protocol.Bool(true),
	}))
	readUntil(t, connA, protocol.MsgTransferAnswer)

	upload := func(retry string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/transfer/t1/upload",
			bytes.NewReader([]byte("data")))
		require.NoError(t, err)
		req.Header.Set("X-Filename", "a.bin")
		req.Header.Set("X-Retry-Count", retry)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, upload("0"))
	readUntil(t, connB, protocol.MsgTransferComplete)

	require.Equal(t, http.StatusOK, upload("1"))

	// No second completion push reaches the receiver.
	_ = connB.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		var msg protocol.Message
		if err := connB.ReadJSON(&msg); err != nil {
			break
		}
		assert.NotEqual(t, protocol.MsgTransferComplete, msg.Type, "duplicate completion push")
	}
}

func TestUploadTooLarge(t *testing.T) {
	h := hub.NewHub(hub.Config{
		MaxUploadBytes:    16,
		UploadIdleTimeout: 2 * time.Second,
	}, logger.NewLogger())
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()
	defer h.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/transfer/t1/upload",
		bytes.NewReader(make([]byte, 64)))
	require.NoError(t, err)
	req.Header.Set("X-Filename", "big.bin")
	req.Header.Set("X-Sender-Id", "dev-a")
	req.Header.Set("X-Receiver-Id", "dev-b")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUploadUnknownTransferNeedsEndpoints(t *testing.T) {
	srv := startHub(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/transfer/t9/upload",
		bytes.NewReader([]byte("data")))
	require.NoError(t, err)
	req.Header.Set("X-Filename", "a.bin")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode,
		"unknown transfer without sender and receiver headers is not buffered")
}

func TestDownloadMissingEntry(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")
	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")

	offer(t, connA, "t1", "dev-a", "dev-b", 4)
	readUntil(t, connB, protocol.MsgTransferOffer)
	require.NoError(t, connB.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: "t1",
		Accepted:   protocol.Bool(true),
	}))
	readUntil(t, connA, protocol.MsgTransferAnswer)

	// Accepted but never uploaded: 404, not 403.
	resp, err := http.Get(srv.URL + "/api/transfer/t1/download")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedMessageKeepsSessionOpen(t *testing.T) {
	srv := startHub(t)
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errMsg := readUntil(t, conn, protocol.MsgError)
	assert.NotEmpty(t, errMsg.Message)

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.MsgPing, Timestamp: 7}))
	pong := readUntil(t, conn, protocol.MsgPong)
	assert.Equal(t, int64(7), pong.OriginalTimestamp)
}

func TestSessionCloseMarksDeviceOffline(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")
	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")
	readUntil(t, connA, protocol.MsgDeviceList)

	require.NoError(t, connB.Close())

	// dev-a eventually sees a list without dev-b.
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, connA.SetReadDeadline(deadline))
		var msg protocol.Message
		require.NoError(t, connA.ReadJSON(&msg))
		if msg.Type == protocol.MsgDeviceList && len(msg.Devices) == 0 {
			return
		}
	}
}

func TestDuplicateCompletionNotForwarded(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")
	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")

	offer(t, connA, "t1", "dev-a", "dev-b", 4)
	readUntil(t, connB, protocol.MsgTransferOffer)
	require.NoError(t, connB.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: "t1",
		Accepted:   protocol.Bool(true),
	}))
	readUntil(t, connA, protocol.MsgTransferAnswer)

	complete := protocol.Message{
		Type:       protocol.MsgTransferComplete,
		TransferID: "t1",
		Progress:   protocol.Int(100),
	}
	require.NoError(t, connA.WriteJSON(complete))
	readUntil(t, connB, protocol.MsgTransferComplete)

	// A re-sent completion, however late, must never reach the receiver
	// again.
	require.NoError(t, connA.WriteJSON(complete))

	_ = connB.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		var msg protocol.Message
		if err := connB.ReadJSON(&msg); err != nil {
			break
		}
		assert.NotEqual(t, protocol.MsgTransferComplete, msg.Type, "duplicate completion push")
	}
}

func TestOfferRequiresSenderBinding(t *testing.T) {
	srv := startHub(t)

	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")
	connM := dialWS(t, srv)
	register(t, connM, "dev-m", "mallory")

	// dev-m tries to offer on dev-a's behalf.
	require.NoError(t, connM.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferOffer,
		TransferID: "t1",
		FileName:   "photo.jpg",
		FileSize:   4,
		SenderID:   "dev-a",
		ReceiverID: "dev-b",
	}))
	errMsg := readUntil(t, connM, protocol.MsgError)
	assert.NotEmpty(t, errMsg.Message)

	_ = connB.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		var msg protocol.Message
		if err := connB.ReadJSON(&msg); err != nil {
			break
		}
		assert.NotEqual(t, protocol.MsgTransferOffer, msg.Type, "spoofed offer forwarded")
	}
}

func TestCompletionRequiresSenderBinding(t *testing.T) {
	srv := startHub(t)

	connA := dialWS(t, srv)
	register(t, connA, "dev-a", "alice")
	connB := dialWS(t, srv)
	register(t, connB, "dev-b", "bob")
	connM := dialWS(t, srv)
	register(t, connM, "dev-m", "mallory")

	offer(t, connA, "t1", "dev-a", "dev-b", 4)
	readUntil(t, connB, protocol.MsgTransferOffer)
	require.NoError(t, connB.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: "t1",
		Accepted:   protocol.Bool(true),
	}))
	readUntil(t, connA, protocol.MsgTransferAnswer)

	// dev-m cannot complete someone else's transfer.
	require.NoError(t, connM.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferComplete,
		TransferID: "t1",
	}))

	_ = connB.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		var msg protocol.Message
		if err := connB.ReadJSON(&msg); err != nil {
			break
		}
		assert.NotEqual(t, protocol.MsgTransferComplete, msg.Type, "forged completion forwarded")
	}

	// The real sender still completes it, exactly once.
	require.NoError(t, connA.WriteJSON(protocol.Message{
		Type:       protocol.MsgTransferComplete,
		TransferID: "t1",
		Progress:   protocol.Int(100),
	}))
	_ = connB.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := readUntil(t, connB, protocol.MsgTransferComplete)
	assert.Equal(t, "t1", got.TransferID)
}

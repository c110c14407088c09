// Package hub implements the signaling and relay coordinator. Devices hold a
// websocket session to /ws for presence and transfer negotiation; payloads
// that cannot travel the direct peer path pass through the relay endpoints.
package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lanbeam/lanbeam/internal/hub/registry"
	"github.com/lanbeam/lanbeam/internal/hub/relay"
	"github.com/lanbeam/lanbeam/internal/hub/transfers"
	"github.com/lanbeam/lanbeam/internal/protocol"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub wires the registry, transfer store and relay buffer behind the
// websocket and HTTP endpoints. All state is in memory; a restart
// invalidates every transfer.
type Hub struct {
	cfg    Config
	logger *logrus.Logger

	registry  *registry.Registry
	transfers *transfers.Store
	relay     *relay.Buffer

	sessions *sessionMap
}

func NewHub(cfg Config, log *logrus.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		logger:    log,
		registry:  registry.NewRegistry(),
		transfers: transfers.NewStore(),
		relay:     relay.NewBuffer(),
		sessions:  newSessionMap(),
	}
}

// Routes returns the hub's HTTP mux: the websocket endpoint plus the relay
// and inventory API.
func (h *Hub) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("GET /api/devices", h.handleDevices)
	mux.HandleFunc("GET /api/transfers/{deviceId}", h.handleInventory)
	mux.HandleFunc("POST /api/transfer/{transferId}/upload", h.handleUpload)
	mux.HandleFunc("GET /api/transfer/{transferId}/download", h.handleDownload)
	return mux
}

// Serve blocks listening on the configured address.
func (h *Hub) Serve() error {
	h.logger.Infof("Hub listening on %s", h.cfg.Addr)
	return http.ListenAndServe(h.cfg.Addr, h.Routes())
}

// Close releases relay timers. Sessions close with their connections.
func (h *Hub) Close() {
	h.relay.Close()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	session := newSession(conn)
	go session.writePump(h.logger)

	h.logger.Infof("Session connected: %s", conn.RemoteAddr())
	defer h.dropSession(session)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debugf("Session read ended: %v", err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			session.Send(protocol.Message{
				Type:    protocol.MsgError,
				Message: "malformed message",
			})
			continue
		}
		h.route(session, msg)
	}
}

func (h *Hub) route(s *Session, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgDeviceRegister:
		h.handleRegister(s, msg)
	case protocol.MsgDeviceUpdate:
		h.handleDeviceUpdate(s, msg)
	case protocol.MsgTransferOffer:
		h.handleTransferOffer(s, msg)
	case protocol.MsgTransferAnswer:
		h.handleTransferAnswer(s, msg)
	case protocol.MsgWebRTCOffer:
		h.forwardToReceiver(s, msg)
	case protocol.MsgWebRTCAnswer:
		h.forwardToSender(s, msg)
	case protocol.MsgICECandidate:
		h.forwardToOtherEndpoint(s, msg)
	case protocol.MsgTransferProgress:
		h.handleTransferProgress(msg)
	case protocol.MsgTransferComplete:
		h.handleTransferComplete(s, msg)
	case protocol.MsgTransferError:
		h.handleTransferError(msg)
	case protocol.MsgPing:
		s.Send(protocol.Message{
			Type:              protocol.MsgPong,
			Timestamp:         time.Now().UnixMilli(),
			OriginalTimestamp: msg.Timestamp,
		})
	default:
		h.logger.Warnf("Dropping unknown message type %q", msg.Type)
	}
}

func (h *Hub) handleRegister(s *Session, msg protocol.Message) {
	if msg.DeviceID == "" {
		s.Send(protocol.Message{Type: protocol.MsgError, Message: "deviceId is required"})
		return
	}

	h.registry.Register(msg.DeviceID, msg.DeviceName, msg.DeviceType)

	// A device id binds to at most one session; a new registration evicts
	// the previous one.
	if old := h.sessions.Replace(msg.DeviceID, s); old != nil && old != s {
		h.logger.Infof("Device %s re-registered, closing prior session", msg.DeviceID)
		old.Close()
	}

	s.Send(protocol.Message{
		Type:    protocol.MsgDeviceList,
		Devices: h.registry.ListReachable(msg.DeviceID),
	})
	h.broadcastDeviceList()
}

func (h *Hub) handleDeviceUpdate(s *Session, msg protocol.Message) {
	if s.deviceID == "" {
		s.Send(protocol.Message{Type: protocol.MsgError, Message: "session is not registered"})
		return
	}

	patch := registry.Patch{}
	if msg.DeviceName != "" {
		patch.Name = &msg.DeviceName
	}
	if msg.Status != "" {
		patch.Status = &msg.Status
	}
	if _, ok := h.registry.Update(s.deviceID, patch); !ok {
		h.logger.Warnf("Update for unknown device %s", s.deviceID)
		return
	}
	h.broadcastDeviceList()
}

func (h *Hub) handleTransferOffer(s *Session, msg protocol.Message) {
	if s.deviceID == "" {
		s.Send(protocol.Message{Type: protocol.MsgError, Message: "session is not registered"})
		return
	}
	if msg.SenderID != s.deviceID {
		s.Send(protocol.Message{Type: protocol.MsgError, Message: "senderId must match the session's device"})
		return
	}
	if msg.SenderID == msg.ReceiverID {
		s.Send(protocol.Message{Type: protocol.MsgError, Message: "sender and receiver must differ"})
		return
	}

	_, err := h.transfers.Create(protocol.Transfer{
		ID:         msg.TransferID,
		FileName:   msg.FileName,
		FileSize:   msg.FileSize,
		FileType:   msg.FileType,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Status:     protocol.TransferPending,
	})
	if err != nil {
		if errors.Is(err, transfers.ErrAlreadyExists) {
			h.logger.Debugf("Duplicate offer for transfer %s", msg.TransferID)
		} else {
			h.logger.Warnf("Creating transfer %s: %v", msg.TransferID, err)
		}
		return
	}

	// Offline receivers learn about the transfer from the inventory
	// endpoint when they reconnect.
	h.sendTo(msg.ReceiverID, msg)
}

func (h *Hub) handleTransferAnswer(s *Session, msg protocol.Message) {
	if s.deviceID == "" {
		s.Send(protocol.Message{Type: protocol.MsgError, Message: "session is not registered"})
		return
	}
	if msg.Accepted == nil {
		s.Send(protocol.Message{Type: protocol.MsgError, Message: "accepted is required"})
		return
	}
	if existing, ok := h.transfers.Get(msg.TransferID); !ok || existing.ReceiverID != s.deviceID {
		h.logger.Warnf("Answer for transfer %s from non-receiver %s dropped", msg.TransferID, s.deviceID)
		return
	}

	status := protocol.TransferRejected
	if *msg.Accepted {
		status = protocol.TransferAccepted
	}
	t, err := h.transfers.Update(msg.TransferID, transfers.Patch{Status: &status})
	if err != nil {
		h.logger.Warnf("Answer for transfer %s: %v", msg.TransferID, err)
		return
	}

	// Acceptance authorizes a later relay download for this transfer.
	if *msg.Accepted {
		h.relay.Accept(t.ID)
	}
	h.sendTo(t.SenderID, msg)
}

func (h *Hub) handleTransferProgress(msg protocol.Message) {
	if msg.Progress == nil {
		return
	}
	status := protocol.TransferTransferring
	if *msg.Progress >= 100 {
		status = protocol.TransferCompleted
	}
	t, err := h.transfers.Update(msg.TransferID, transfers.Patch{Status: &status, Progress: msg.Progress})
	if err != nil {
		h.logger.Debugf("Progress for transfer %s: %v", msg.TransferID, err)
		return
	}
	h.sendTo(t.SenderID, msg)
	h.sendTo(t.ReceiverID, msg)
}

func (h *Hub) handleTransferComplete(s *Session, msg protocol.Message) {
	// Only the sender's completion counts; the receiver's own report is
	// already reflected by its progress pushes.
	if existing, ok := h.transfers.Get(msg.TransferID); !ok || existing.SenderID != s.deviceID {
		h.logger.Debugf("Completion for transfer %s from non-sender %s dropped", msg.TransferID, s.deviceID)
		return
	}

	status := protocol.TransferCompleted
	t, err := h.transfers.Update(msg.TransferID, transfers.Patch{Status: &status})
	if err != nil {
		if !errors.Is(err, transfers.ErrInvalidTransition) {
			h.logger.Warnf("Completing transfer %s: %v", msg.TransferID, err)
			return
		}
		existing, ok := h.transfers.Get(msg.TransferID)
		if !ok || existing.Status != protocol.TransferCompleted {
			return
		}
		t = existing
	}

	// At most one completion notice reaches the receiver, whether it came
	// over the socket or from a relay upload.
	if h.relay.MarkNotified(t.ID) {
		h.sendTo(t.ReceiverID, msg)
	}
}

func (h *Hub) handleTransferError(msg protocol.Message) {
	status := protocol.TransferFailed
	t, err := h.transfers.Update(msg.TransferID, transfers.Patch{Status: &status})
	if err != nil {
		h.logger.Debugf("Failing transfer %s: %v", msg.TransferID, err)
		return
	}
	h.sendTo(t.SenderID, msg)
	h.sendTo(t.ReceiverID, msg)
}

func (h *Hub) forwardToReceiver(s *Session, msg protocol.Message) {
	t, ok := h.transfers.Get(msg.TransferID)
	if !ok {
		h.logger.Warnf("Signal for unknown transfer %s dropped", msg.TransferID)
		return
	}
	if t.SenderID != s.deviceID {
		h.logger.Warnf("%s for transfer %s from non-sender %s dropped", msg.Type, msg.TransferID, s.deviceID)
		return
	}
	h.sendTo(t.ReceiverID, msg)
}

func (h *Hub) forwardToSender(s *Session, msg protocol.Message) {
	t, ok := h.transfers.Get(msg.TransferID)
	if !ok {
		h.logger.Warnf("Signal for unknown transfer %s dropped", msg.TransferID)
		return
	}
	if t.ReceiverID != s.deviceID {
		h.logger.Warnf("%s for transfer %s from non-receiver %s dropped", msg.Type, msg.TransferID, s.deviceID)
		return
	}
	h.sendTo(t.SenderID, msg)
}

func (h *Hub) forwardToOtherEndpoint(s *Session, msg protocol.Message) {
	t, ok := h.transfers.Get(msg.TransferID)
	if !ok {
		h.logger.Warnf("Candidate for unknown transfer %s dropped", msg.TransferID)
		return
	}
	if s.deviceID != t.SenderID && s.deviceID != t.ReceiverID {
		h.logger.Warnf("Candidate for transfer %s from outsider %s dropped", msg.TransferID, s.deviceID)
		return
	}
	target := t.ReceiverID
	if s.deviceID == t.ReceiverID {
		target = t.SenderID
	}
	h.sendTo(target, msg)
}

// sendTo forwards a message to the session bound to deviceID. Unroutable
// recipients are dropped silently.
func (h *Hub) sendTo(deviceID string, msg protocol.Message) {
	if s := h.sessions.Get(deviceID); s != nil {
		if !s.Send(msg) {
			h.logger.Debugf("Dropped %s for unresponsive device %s", msg.Type, deviceID)
		}
	}
}

// broadcastDeviceList pushes a fresh device list to every bound session,
// omitting each recipient's own record.
func (h *Hub) broadcastDeviceList() {
	for deviceID, s := range h.sessions.Snapshot() {
		s.Send(protocol.Message{
			Type:    protocol.MsgDeviceList,
			Devices: h.registry.ListReachable(deviceID),
		})
	}
}

func (h *Hub) dropSession(s *Session) {
	s.Close()
	if deviceID := h.sessions.Remove(s); deviceID != "" {
		h.logger.Infof("Device %s disconnected", deviceID)
		h.registry.MarkOffline(deviceID)
		h.broadcastDeviceList()
	}
}

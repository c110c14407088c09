// Package engine drives the per-transfer state machine on a client: offer,
// accept, peer negotiation, chunk streaming, and the relay fallback when the
// direct path cannot be established.
package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/lanbeam/lanbeam/internal/client/peer"
	"github.com/lanbeam/lanbeam/internal/protocol"
)

// Transfer engine states. The first four are live; the rest are terminal.
const (
	StatePending      = "pending"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateTransferring = "transferring"
	StateCompleted    = "completed"
	StateFailed       = "failed"
	StateRejected     = "rejected"
)

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

const (
	negotiationTimeout = 3 * time.Second
	chunkYieldEvery    = 10
	chunkYieldPause    = 10 * time.Millisecond
	fallbackCooldown   = 5 * time.Second
	downloadCooldown   = 30 * time.Second
)

// Signaler sends messages to the hub. The session client satisfies it.
type Signaler interface {
	Send(msg protocol.Message)
}

// SaveHandler persists a completed inbound file. Called once per transfer.
type SaveHandler func(fileName, mediaType, relativePath string, data []byte) error

// Journal records transfer outcomes locally. Optional.
type Journal interface {
	RecordTransfer(t protocol.Transfer, direction string) error
	UpdateTransfer(transferID, status string, progress int) error
}

// peerConn abstracts the webrtc wrapper so tests can stub negotiation.
type peerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	HandleAnswer(answer webrtc.SessionDescription) error
	AddCandidate(candidate webrtc.ICECandidateInit) error
	Send(data []byte) error
	Close() error
}

// Options configures an Engine.
type Options struct {
	DeviceID     string
	Signaler     Signaler
	Relay        *RelayClient
	Save         SaveHandler
	Logger       *logrus.Logger
	WebRTCConfig *webrtc.Configuration
	Journal      Journal

	// OnStateChange and OnProgress feed the UI layer. Both optional.
	OnStateChange func(transferID, state string)
	OnProgress    func(transferID string, progress int)
}

// transfer is the per-transfer state. All fields are guarded by Engine.mu.
type transfer struct {
	id           string
	fileName     string
	fileSize     int64
	fileType     string
	relativePath string
	peerID       string
	direction    string
	data         []byte

	state    string
	progress int
	accepted bool

	conn              peerConn
	pendingCandidates []webrtc.ICECandidateInit

	chunks      [][]byte
	received    int
	totalChunks int
	peerData    bool

	// Sticky duplicate-suppression flags; cleared on terminal state or
	// after their cooldown.
	negotiated     bool
	fallbackActive bool
	fallbackAt     time.Time
	downloading    bool
	downloadAt     time.Time

	connectTimer *time.Timer
}

// Engine owns every live transfer on this client.
type Engine struct {
	opts   Options
	config webrtc.Configuration
	logger *logrus.Logger

	mu        sync.Mutex
	transfers map[string]*transfer

	newConn func(config webrtc.Configuration, callbacks peer.Callbacks) (peerConn, error)
}

func New(opts Options) *Engine {
	config := peer.DefaultConfig()
	if opts.WebRTCConfig != nil {
		config = *opts.WebRTCConfig
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		opts:      opts,
		config:    config,
		logger:    log,
		transfers: make(map[string]*transfer),
		newConn: func(config webrtc.Configuration, callbacks peer.Callbacks) (peerConn, error) {
			return peer.New(config, callbacks)
		},
	}
}

// State returns the current engine state of a transfer.
func (e *Engine) State(transferID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, exists := e.transfers[transferID]
	if !exists {
		return "", false
	}
	return t.state, true
}

// HandleMessage consumes hub messages published by the session client.
func (e *Engine) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgTransferAnswer:
		e.handleAnswer(msg)
	case protocol.MsgWebRTCOffer:
		e.handleRemoteOffer(msg)
	case protocol.MsgWebRTCAnswer:
		e.handleRemoteAnswer(msg)
	case protocol.MsgICECandidate:
		e.handleRemoteCandidate(msg)
	case protocol.MsgTransferProgress:
		e.handleProgressPush(msg)
	case protocol.MsgTransferComplete:
		e.handleCompletePush(msg)
	case protocol.MsgTransferError:
		e.handleErrorPush(msg)
	default:
		e.logger.Debugf("Engine ignoring message type %q", msg.Type)
	}
}

// setState transitions a transfer and notifies subscribers. Terminal states
// release the peer connection and every sticky flag. Caller holds e.mu.
func (e *Engine) setState(t *transfer, state string) {
	if t.state == state || isTerminal(t.state) {
		return
	}
	t.state = state
	e.logger.Infof("Transfer %s -> %s", t.id, state)

	if isTerminal(state) {
		if t.connectTimer != nil {
			t.connectTimer.Stop()
			t.connectTimer = nil
		}
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		t.negotiated = false
		t.fallbackActive = false
		t.downloading = false
		if state == StateCompleted {
			t.progress = 100
		}
	}

	if e.opts.Journal != nil {
		if err := e.opts.Journal.UpdateTransfer(t.id, state, t.progress); err != nil {
			e.logger.Debugf("Journal update for %s: %v", t.id, err)
		}
	}
	if e.opts.OnStateChange != nil {
		e.opts.OnStateChange(t.id, state)
	}
}

// setProgress max-merges the local progress cache; the hub's pushes remain
// the source of truth and never lower it.
func (e *Engine) setProgress(t *transfer, progress int) {
	if progress <= t.progress || isTerminal(t.state) {
		return
	}
	if progress > 100 {
		progress = 100
	}
	t.progress = progress
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(t.id, progress)
	}
}

func (e *Engine) handleProgressPush(msg protocol.Message) {
	if msg.Progress == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, exists := e.transfers[msg.TransferID]; exists {
		e.setProgress(t, *msg.Progress)
	}
}

func (e *Engine) handleErrorPush(msg protocol.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, exists := e.transfers[msg.TransferID]; exists {
		e.setState(t, StateFailed)
	}
}

func (e *Engine) journalRecord(t *transfer) {
	if e.opts.Journal == nil {
		return
	}
	rec := protocol.Transfer{
		ID:        t.id,
		FileName:  t.fileName,
		FileSize:  t.fileSize,
		FileType:  t.fileType,
		Status:    protocol.TransferPending,
		CreatedAt: time.Now(),
	}
	if t.direction == DirectionSend {
		rec.SenderID = e.opts.DeviceID
		rec.ReceiverID = t.peerID
	} else {
		rec.SenderID = t.peerID
		rec.ReceiverID = e.opts.DeviceID
	}
	if err := e.opts.Journal.RecordTransfer(rec, t.direction); err != nil {
		e.logger.Debugf("Journal record for %s: %v", t.id, err)
	}
}

func isTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateRejected
}

func newTransferID() string {
	return uuid.NewString()
}

func marshalRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

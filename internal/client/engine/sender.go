package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/lanbeam/lanbeam/internal/client/peer"
	"github.com/lanbeam/lanbeam/internal/protocol"
)

// SendRequest describes an outbound file hand-off.
type SendRequest struct {
	ReceiverID   string
	FileName     string
	FileType     string
	RelativePath string
	Data         []byte
}

// Send offers a file to a receiver and returns the new transfer id. Peer
// negotiation starts only once the receiver accepts.
func (e *Engine) Send(req SendRequest) (string, error) {
	if req.ReceiverID == "" {
		return "", fmt.Errorf("receiver id is required")
	}
	if req.ReceiverID == e.opts.DeviceID {
		return "", fmt.Errorf("cannot send to self")
	}
	if req.FileType == "" {
		req.FileType = "application/octet-stream"
	}

	t := &transfer{
		id:           newTransferID(),
		fileName:     req.FileName,
		fileSize:     int64(len(req.Data)),
		fileType:     req.FileType,
		relativePath: req.RelativePath,
		peerID:       req.ReceiverID,
		direction:    DirectionSend,
		data:         req.Data,
		state:        StatePending,
	}

	e.mu.Lock()
	e.transfers[t.id] = t
	e.journalRecord(t)
	e.mu.Unlock()

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgTransferOffer,
		TransferID: t.id,
		FileName:   t.fileName,
		FileSize:   t.fileSize,
		FileType:   t.fileType,
		SenderID:   e.opts.DeviceID,
		ReceiverID: t.peerID,
	})
	return t.id, nil
}

// handleAnswer reacts to the receiver's accept or reject.
func (e *Engine) handleAnswer(msg protocol.Message) {
	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || t.direction != DirectionSend || msg.Accepted == nil {
		e.mu.Unlock()
		return
	}

	if !*msg.Accepted {
		e.setState(t, StateRejected)
		e.mu.Unlock()
		return
	}
	e.startNegotiation(t)
	e.mu.Unlock()
}

// startNegotiation opens the peer connection and sends the session offer.
// The sticky negotiated flag makes repeated answers harmless. Caller holds
// e.mu.
func (e *Engine) startNegotiation(t *transfer) {
	if t.negotiated || isTerminal(t.state) {
		return
	}
	t.negotiated = true
	e.setState(t, StateConnecting)

	transferID := t.id
	conn, err := e.newConn(e.config, peer.Callbacks{
		OnOpen: func() {
			e.onChannelOpen(transferID)
		},
		OnCandidate: func(candidate webrtc.ICECandidateInit) {
			e.opts.Signaler.Send(protocol.Message{
				Type:       protocol.MsgICECandidate,
				TransferID: transferID,
				Candidate:  marshalRaw(candidate),
			})
		},
		OnFailure: func() {
			e.triggerFallback(transferID)
		},
	})
	if err != nil {
		e.logger.Warnf("Peer connection for %s: %v", t.id, err)
		e.scheduleFallbackLocked(t)
		return
	}
	t.conn = conn

	offer, err := conn.CreateOffer()
	if err != nil {
		e.logger.Warnf("Offer for %s: %v", t.id, err)
		e.scheduleFallbackLocked(t)
		return
	}
	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgWebRTCOffer,
		TransferID: t.id,
		Offer:      marshalRaw(offer),
	})

	// The direct path gets a short window; past it the relay takes over.
	t.connectTimer = time.AfterFunc(negotiationTimeout, func() {
		e.triggerFallback(transferID)
	})
}

// scheduleFallbackLocked triggers the fallback outside the lock.
func (e *Engine) scheduleFallbackLocked(t *transfer) {
	transferID := t.id
	go e.triggerFallback(transferID)
}

// handleRemoteAnswer applies the receiver's session answer.
func (e *Engine) handleRemoteAnswer(msg protocol.Message) {
	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || t.conn == nil {
		e.mu.Unlock()
		return
	}
	conn := t.conn
	e.mu.Unlock()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Answer, &answer); err != nil {
		e.logger.Warnf("Malformed answer for %s: %v", msg.TransferID, err)
		return
	}
	if err := conn.HandleAnswer(answer); err != nil {
		e.logger.Warnf("Applying answer for %s: %v", msg.TransferID, err)
		e.triggerFallback(msg.TransferID)
	}
}

// onChannelOpen moves the transfer to the streaming phase.
func (e *Engine) onChannelOpen(transferID string) {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists || isTerminal(t.state) {
		e.mu.Unlock()
		return
	}
	if t.connectTimer != nil {
		t.connectTimer.Stop()
		t.connectTimer = nil
	}
	e.setState(t, StateConnected)

	if t.direction != DirectionSend {
		e.mu.Unlock()
		return
	}
	e.setState(t, StateTransferring)
	conn := t.conn
	data := t.data
	e.mu.Unlock()

	go e.streamFile(transferID, conn, data)
}

// streamFile sends the metadata envelope followed by ordered chunks,
// pausing briefly every few chunks to keep the channel from saturating.
func (e *Engine) streamFile(transferID string, conn peerConn, data []byte) {
	chunks := protocol.SplitChunks(data)

	meta, err := protocol.EncodeData(protocol.DataMessage{
		Type:        protocol.DataMetadata,
		FileName:    e.transferField(transferID, func(t *transfer) string { return t.fileName }),
		FileSize:    int64(len(data)),
		FileType:    e.transferField(transferID, func(t *transfer) string { return t.fileType }),
		TotalChunks: len(chunks),
	})
	if err != nil {
		e.logger.Errorf("Encoding metadata for %s: %v", transferID, err)
		e.triggerFallback(transferID)
		return
	}
	if err := conn.Send(meta); err != nil {
		e.logger.Warnf("Sending metadata for %s: %v", transferID, err)
		e.triggerFallback(transferID)
		return
	}

	for i, chunk := range chunks {
		frame, err := protocol.EncodeData(protocol.DataMessage{
			Type:  protocol.DataChunk,
			Index: i,
			Data:  chunk,
		})
		if err != nil {
			e.logger.Errorf("Encoding chunk %d for %s: %v", i, transferID, err)
			e.triggerFallback(transferID)
			return
		}
		if err := conn.Send(frame); err != nil {
			e.logger.Warnf("Sending chunk %d for %s: %v", i, transferID, err)
			e.triggerFallback(transferID)
			return
		}

		progress := ((i+1)*100 + len(chunks)/2) / len(chunks)
		e.reportProgress(transferID, progress)

		if (i+1)%chunkYieldEvery == 0 {
			time.Sleep(chunkYieldPause)
		}
	}

	e.mu.Lock()
	t, exists := e.transfers[transferID]
	completed := exists && !isTerminal(t.state)
	if completed {
		e.setState(t, StateCompleted)
	}
	e.mu.Unlock()
	if !completed {
		return
	}

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgTransferComplete,
		TransferID: transferID,
		Progress:   protocol.Int(100),
	})
}

// reportProgress updates the local cache and pushes the value to the hub.
func (e *Engine) reportProgress(transferID string, progress int) {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists || isTerminal(t.state) {
		e.mu.Unlock()
		return
	}
	e.setProgress(t, progress)
	e.mu.Unlock()

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgTransferProgress,
		TransferID: transferID,
		Progress:   protocol.Int(progress),
	})
}

func (e *Engine) transferField(transferID string, get func(*transfer) string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, exists := e.transfers[transferID]; exists {
		return get(t)
	}
	return ""
}

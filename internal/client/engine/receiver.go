package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/lanbeam/lanbeam/internal/client/peer"
	"github.com/lanbeam/lanbeam/internal/protocol"
)

// OfferReceived registers an inbound transfer offer. The UI layer decides
// whether to call Accept or Reject.
func (e *Engine) OfferReceived(msg protocol.Message) {
	if msg.TransferID == "" || msg.SenderID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.transfers[msg.TransferID]; exists {
		return
	}
	t := &transfer{
		id:        msg.TransferID,
		fileName:  msg.FileName,
		fileSize:  msg.FileSize,
		fileType:  msg.FileType,
		peerID:    msg.SenderID,
		direction: DirectionReceive,
		state:     StatePending,
	}
	e.transfers[t.id] = t
	e.journalRecord(t)
}

// Accept answers an inbound offer positively and arms the receive path.
func (e *Engine) Accept(transferID string) error {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists || t.direction != DirectionReceive {
		e.mu.Unlock()
		return fmt.Errorf("no inbound transfer %s", transferID)
	}
	t.accepted = true
	e.mu.Unlock()

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: transferID,
		Accepted:   protocol.Bool(true),
	})
	return nil
}

// Reject declines an inbound offer and drops the transfer.
func (e *Engine) Reject(transferID string) error {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists || t.direction != DirectionReceive {
		e.mu.Unlock()
		return fmt.Errorf("no inbound transfer %s", transferID)
	}
	e.setState(t, StateRejected)
	e.mu.Unlock()

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgTransferAnswer,
		TransferID: transferID,
		Accepted:   protocol.Bool(false),
	})
	return nil
}

// handleRemoteOffer answers the sender's session offer. Negotiation is
// refused for unknown or unaccepted transfers.
func (e *Engine) handleRemoteOffer(msg protocol.Message) {
	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || t.direction != DirectionReceive || !t.accepted || isTerminal(t.state) {
		e.mu.Unlock()
		e.logger.Warnf("Refusing negotiation for transfer %s", msg.TransferID)
		return
	}
	if t.conn != nil {
		e.mu.Unlock()
		return
	}
	e.setState(t, StateConnecting)

	transferID := t.id
	conn, err := e.newConn(e.config, peer.Callbacks{
		OnOpen: func() {
			e.onChannelOpen(transferID)
		},
		OnMessage: func(data []byte) {
			e.onChannelData(transferID, data)
		},
		OnCandidate: func(candidate webrtc.ICECandidateInit) {
			e.opts.Signaler.Send(protocol.Message{
				Type:       protocol.MsgICECandidate,
				TransferID: transferID,
				Candidate:  marshalRaw(candidate),
			})
		},
		OnFailure: func() {
			// The sender owns the fallback; the receiver just waits for
			// the relay's completion push.
			e.logger.Warnf("Peer path for %s lost, waiting for relay", transferID)
		},
	})
	if err != nil {
		e.mu.Unlock()
		e.logger.Warnf("Peer connection for %s: %v", msg.TransferID, err)
		return
	}
	t.conn = conn
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	e.mu.Unlock()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Offer, &offer); err != nil {
		e.logger.Warnf("Malformed offer for %s: %v", msg.TransferID, err)
		return
	}
	answer, err := conn.HandleOffer(offer)
	if err != nil {
		e.logger.Warnf("Answering offer for %s: %v", msg.TransferID, err)
		return
	}
	for _, candidate := range pending {
		if err := conn.AddCandidate(candidate); err != nil {
			e.logger.Debugf("Buffered candidate for %s: %v", msg.TransferID, err)
		}
	}

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgWebRTCAnswer,
		TransferID: msg.TransferID,
		Answer:     marshalRaw(answer),
	})
}

// handleRemoteCandidate feeds a forwarded rendezvous candidate into the peer
// connection, buffering it if negotiation has not started yet.
func (e *Engine) handleRemoteCandidate(msg protocol.Message) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &candidate); err != nil {
		e.logger.Debugf("Malformed candidate for %s: %v", msg.TransferID, err)
		return
	}

	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || isTerminal(t.state) {
		e.mu.Unlock()
		return
	}
	if t.conn == nil {
		t.pendingCandidates = append(t.pendingCandidates, candidate)
		e.mu.Unlock()
		return
	}
	conn := t.conn
	e.mu.Unlock()

	if err := conn.AddCandidate(candidate); err != nil {
		e.logger.Debugf("Adding candidate for %s: %v", msg.TransferID, err)
	}
}

// onChannelData consumes one data channel frame on the receiver.
func (e *Engine) onChannelData(transferID string, raw []byte) {
	msg, err := protocol.DecodeData(raw)
	if err != nil {
		e.logger.Warnf("Malformed data frame for %s: %v", transferID, err)
		return
	}

	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists || isTerminal(t.state) {
		e.mu.Unlock()
		return
	}
	t.peerData = true

	switch msg.Type {
	case protocol.DataMetadata:
		if msg.TotalChunks < 0 {
			e.mu.Unlock()
			return
		}
		if msg.FileName != "" {
			t.fileName = msg.FileName
		}
		if msg.FileType != "" {
			t.fileType = msg.FileType
		}
		e.setState(t, StateTransferring)
		if msg.TotalChunks == 0 {
			// Zero-byte file: there are no chunks to wait for.
			fileName, fileType, relativePath := t.fileName, t.fileType, t.relativePath
			e.mu.Unlock()
			e.deliver(transferID, fileName, fileType, relativePath, []byte{})
			return
		}
		t.totalChunks = msg.TotalChunks
		t.chunks = make([][]byte, msg.TotalChunks)
		t.received = 0
		e.mu.Unlock()

	case protocol.DataChunk:
		if t.chunks == nil || msg.Index < 0 || msg.Index >= t.totalChunks {
			e.mu.Unlock()
			e.logger.Warnf("Chunk %d out of range for %s", msg.Index, transferID)
			return
		}
		if t.chunks[msg.Index] == nil {
			t.chunks[msg.Index] = msg.Data
			t.received++
		}
		received, total := t.received, t.totalChunks
		e.mu.Unlock()

		e.reportProgress(transferID, (received*100+total/2)/total)
		if received == total {
			e.assemble(transferID)
		}

	default:
		e.mu.Unlock()
	}
}

// assemble reconstructs the file from the chunk vector and hands it to the
// save handler. A missing slot is fatal.
func (e *Engine) assemble(transferID string) {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists || isTerminal(t.state) {
		e.mu.Unlock()
		return
	}

	data := make([]byte, 0, t.fileSize)
	for i, chunk := range t.chunks {
		if chunk == nil {
			e.logger.Errorf("Transfer %s missing chunk %d after full count", transferID, i)
			e.setState(t, StateFailed)
			e.mu.Unlock()
			e.opts.Signaler.Send(protocol.Message{
				Type:       protocol.MsgTransferError,
				TransferID: transferID,
				Message:    "incomplete chunk set",
			})
			return
		}
		data = append(data, chunk...)
	}
	fileName, fileType, relativePath := t.fileName, t.fileType, t.relativePath
	t.chunks = nil
	e.mu.Unlock()

	e.deliver(transferID, fileName, fileType, relativePath, data)
}

// deliver hands received bytes to the save handler and finishes the
// transfer.
func (e *Engine) deliver(transferID, fileName, fileType, relativePath string, data []byte) {
	if err := e.opts.Save(fileName, fileType, relativePath, data); err != nil {
		e.logger.Errorf("Saving transfer %s: %v", transferID, err)
		e.failTransfer(transferID, "save failed")
		return
	}

	e.mu.Lock()
	if t, exists := e.transfers[transferID]; exists {
		e.setState(t, StateCompleted)
	}
	e.mu.Unlock()

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgTransferComplete,
		TransferID: transferID,
		Progress:   protocol.Int(100),
	})
}

// handleCompletePush reacts to the hub's completion notice. Without any peer
// data this means the relay path is active and the payload awaits download.
func (e *Engine) handleCompletePush(msg protocol.Message) {
	e.mu.Lock()
	t, exists := e.transfers[msg.TransferID]
	if !exists || isTerminal(t.state) {
		e.mu.Unlock()
		return
	}
	if t.direction != DirectionReceive || t.peerData {
		// Sender completion is driven locally; a receiver mid-stream
		// finishes from the channel.
		e.mu.Unlock()
		return
	}
	if !t.accepted {
		// The hub enforces this server-side too; never pull a transfer
		// the user did not accept.
		e.mu.Unlock()
		return
	}
	if t.downloading && time.Since(t.downloadAt) < downloadCooldown {
		e.mu.Unlock()
		return
	}
	t.downloading = true
	t.downloadAt = time.Now()
	e.mu.Unlock()

	go e.downloadFromRelay(msg.TransferID)
}

// downloadFromRelay pulls the payload the sender parked on the hub.
func (e *Engine) downloadFromRelay(transferID string) {
	ctx, cancel := context.WithTimeout(context.Background(), downloadCooldown)
	defer cancel()

	file, err := e.opts.Relay.Download(ctx, transferID)
	if err != nil {
		e.logger.Errorf("Relay download for %s: %v", transferID, err)
		e.failTransfer(transferID, "relay download failed")
		return
	}

	if err := e.opts.Save(file.Name, file.MediaType, file.RelativePath, file.Data); err != nil {
		e.logger.Errorf("Saving relayed transfer %s: %v", transferID, err)
		e.failTransfer(transferID, "save failed")
		return
	}

	e.mu.Lock()
	if t, exists := e.transfers[transferID]; exists {
		e.setProgress(t, 100)
		e.setState(t, StateCompleted)
	}
	e.mu.Unlock()
}

func (e *Engine) failTransfer(transferID, reason string) {
	e.mu.Lock()
	if t, exists := e.transfers[transferID]; exists {
		e.setState(t, StateFailed)
	}
	e.mu.Unlock()

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgTransferError,
		TransferID: transferID,
		Message:    reason,
	})
}

package engine

import (
	"context"
	"time"

	"github.com/lanbeam/lanbeam/internal/protocol"
)

const (
	fallbackAttempts       = 3
	fallbackBaseDelay      = time.Second
	fallbackMaxDelay       = 8 * time.Second
	fallbackAttemptTimeout = 30 * time.Second
)

// triggerFallback switches a sending transfer from the direct path to the
// relay upload. The sticky fallback lock keeps concurrent triggers (timer,
// connection failure, stream error) from starting more than one upload.
func (e *Engine) triggerFallback(transferID string) {
	e.mu.Lock()
	t, exists := e.transfers[transferID]
	if !exists || t.direction != DirectionSend || isTerminal(t.state) {
		e.mu.Unlock()
		return
	}
	if t.fallbackActive || time.Since(t.fallbackAt) < fallbackCooldown {
		e.mu.Unlock()
		return
	}
	t.fallbackActive = true
	t.fallbackAt = time.Now()

	if t.connectTimer != nil {
		t.connectTimer.Stop()
		t.connectTimer = nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	data := t.data
	fileName, fileType, relativePath := t.fileName, t.fileType, t.relativePath
	receiverID := t.peerID
	e.mu.Unlock()

	e.logger.Infof("Transfer %s falling back to relay upload", transferID)
	go e.runFallback(transferID, fileName, fileType, relativePath, receiverID, data)
}

// runFallback uploads with bounded retry: three attempts, exponential
// backoff, a deadline per attempt.
func (e *Engine) runFallback(transferID, fileName, fileType, relativePath, receiverID string, data []byte) {
	var lastErr error
	for attempt := 0; attempt < fallbackAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(fallbackBackoff(attempt - 1))
		}

		ctx, cancel := context.WithTimeout(context.Background(), fallbackAttemptTimeout)
		lastErr = e.opts.Relay.Upload(ctx, UploadRequest{
			TransferID:   transferID,
			FileName:     fileName,
			MediaType:    fileType,
			RelativePath: relativePath,
			SenderID:     e.opts.DeviceID,
			ReceiverID:   receiverID,
			RetryCount:   attempt,
			Data:         data,
		})
		cancel()

		if lastErr == nil {
			e.mu.Lock()
			if t, exists := e.transfers[transferID]; exists {
				e.setProgress(t, 100)
				e.setState(t, StateCompleted)
			}
			e.mu.Unlock()
			return
		}
		e.logger.Warnf("Relay upload attempt %d for %s: %v", attempt+1, transferID, lastErr)
	}

	e.logger.Errorf("Relay upload exhausted for %s: %v", transferID, lastErr)
	e.mu.Lock()
	if t, exists := e.transfers[transferID]; exists {
		t.fallbackActive = false
		e.setState(t, StateFailed)
	}
	e.mu.Unlock()

	e.opts.Signaler.Send(protocol.Message{
		Type:       protocol.MsgTransferError,
		TransferID: transferID,
		Message:    "relay upload failed",
	})
}

// fallbackBackoff doubles per retry starting at one second, capped.
func fallbackBackoff(retry int) time.Duration {
	delay := fallbackBaseDelay << retry
	if delay > fallbackMaxDelay {
		return fallbackMaxDelay
	}
	return delay
}

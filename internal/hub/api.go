package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/lanbeam/lanbeam/internal/hub/relay"
	"github.com/lanbeam/lanbeam/internal/hub/transfers"
	"github.com/lanbeam/lanbeam/internal/protocol"
)

// StatusClientClosedRequest is the nginx convention for an aborted request
// body; Go has no constant for it.
const StatusClientClosedRequest = 499

var errUploadTooLarge = errors.New("upload exceeds size cap")

func (h *Hub) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.ListReachable(""))
}

func (h *Hub) handleInventory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")
	writeJSON(w, http.StatusOK, map[string][]protocol.Transfer{
		"active":  h.transfers.ActiveFor(deviceID),
		"history": h.transfers.HistoryFor(deviceID, 0),
	})
}

func (h *Hub) handleUpload(w http.ResponseWriter, r *http.Request) {
	transferID := r.PathValue("transferId")

	// A completed upload answers retries without re-reading the body.
	if h.relay.Processed(transferID) {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	fileName, err := url.QueryUnescape(r.Header.Get("X-Filename"))
	if err != nil || fileName == "" {
		http.Error(w, "missing or invalid X-Filename", http.StatusBadRequest)
		return
	}
	relativePath, _ := url.QueryUnescape(r.Header.Get("X-Relative-Path"))
	mediaType := r.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	senderID := r.Header.Get("X-Sender-Id")
	receiverID := r.Header.Get("X-Receiver-Id")
	if retry := r.Header.Get("X-Retry-Count"); retry != "" && retry != "0" {
		h.logger.Infof("Upload retry %s for transfer %s", retry, transferID)
	}

	// An unknown transfer id is accepted only when the upload names both
	// endpoints itself (folder transfers that bypass signaling).
	if _, ok := h.transfers.Get(transferID); !ok && (senderID == "" || receiverID == "") {
		http.Error(w, "unknown transfer", http.StatusNotFound)
		return
	}

	payload, err := readBodyIdle(w, r, h.cfg.MaxUploadBytes, h.cfg.UploadIdleTimeout)
	if err != nil {
		switch {
		case errors.Is(err, errUploadTooLarge):
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, os.ErrDeadlineExceeded):
			http.Error(w, "upload timed out", http.StatusRequestTimeout)
		default:
			h.logger.Debugf("Upload for transfer %s aborted: %v", transferID, err)
			w.WriteHeader(StatusClientClosedRequest)
		}
		return
	}

	// Folder uploads can reach the relay without a signaled offer; the
	// record is created here but the download stays gated on acceptance.
	if _, ok := h.transfers.Get(transferID); !ok && senderID != "" && receiverID != "" {
		_, err := h.transfers.Create(protocol.Transfer{
			ID:         transferID,
			FileName:   fileName,
			FileSize:   int64(len(payload)),
			FileType:   mediaType,
			SenderID:   senderID,
			ReceiverID: receiverID,
			Status:     protocol.TransferPending,
		})
		if err != nil {
			h.logger.Warnf("Creating transfer %s from upload: %v", transferID, err)
		}
	}

	h.relay.Put(transferID, relay.Entry{
		Payload:      payload,
		FileName:     fileName,
		MediaType:    mediaType,
		RelativePath: relativePath,
		UploadedAt:   clientTimestamp(r),
	})

	status := protocol.TransferCompleted
	t, err := h.transfers.Update(transferID, transfers.Patch{Status: &status})
	if err != nil {
		h.logger.Debugf("Completing transfer %s after upload: %v", transferID, err)
	}

	target := t.ReceiverID
	if target == "" {
		target = receiverID
	}
	if s := h.sessions.Get(target); s != nil && h.relay.MarkNotified(transferID) {
		s.Send(protocol.Message{
			Type:       protocol.MsgTransferComplete,
			TransferID: transferID,
			FileName:   fileName,
			SenderID:   t.SenderID,
			ReceiverID: target,
			Progress:   protocol.Int(100),
		})
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Hub) handleDownload(w http.ResponseWriter, r *http.Request) {
	transferID := r.PathValue("transferId")

	// 403 before 404: existence is not revealed to unauthorized callers.
	if !h.relay.IsAccepted(transferID) {
		http.Error(w, "transfer not accepted", http.StatusForbidden)
		return
	}
	entry, ok := h.relay.Get(transferID)
	if !ok {
		http.Error(w, "no relayed payload", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", entry.MediaType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", entry.FileName))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(entry.Payload)))
	if entry.RelativePath != entry.FileName {
		w.Header().Set("X-Relative-Path", url.QueryEscape(entry.RelativePath))
	}

	// Keep the entry briefly so an interrupted GET can retry.
	h.relay.ScheduleDiscard(transferID, relay.DownloadedTTL)

	if _, err := w.Write(entry.Payload); err != nil {
		h.logger.Debugf("Download write for transfer %s: %v", transferID, err)
	}
}

// readBodyIdle streams the request body into memory with a per-read idle
// deadline and a total size cap.
func readBodyIdle(w http.ResponseWriter, r *http.Request, max int64, idle time.Duration) ([]byte, error) {
	rc := http.NewResponseController(w)
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)

	for {
		_ = rc.SetReadDeadline(time.Now().Add(idle))
		n, err := r.Body.Read(chunk)
		if n > 0 {
			if int64(buf.Len())+int64(n) > max {
				return nil, errUploadTooLarge
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func clientTimestamp(r *http.Request) time.Time {
	raw := r.Header.Get("X-Client-Timestamp")
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var (
	// ErrNotAuthorized means the download was attempted before the
	// transfer was accepted.
	ErrNotAuthorized = errors.New("transfer not authorized for download")
	// ErrNoRelayEntry means the hub holds no payload for the transfer.
	ErrNoRelayEntry = errors.New("no relayed payload")
)

// UploadRequest carries one relay upload.
type UploadRequest struct {
	TransferID   string
	FileName     string
	MediaType    string
	RelativePath string
	SenderID     string
	ReceiverID   string
	RetryCount   int
	Data         []byte
}

// RelayFile is a downloaded relay payload.
type RelayFile struct {
	Name         string
	MediaType    string
	RelativePath string
	Data         []byte
}

// RelayClient talks to the hub's relay endpoints.
type RelayClient struct {
	baseURL string
	http    *http.Client
}

func NewRelayClient(baseURL string) *RelayClient {
	return &RelayClient{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// Upload POSTs the payload for a transfer. The hub answers retries of a
// completed upload without re-reading the body, so re-sending is safe.
func (r *RelayClient) Upload(ctx context.Context, req UploadRequest) error {
	endpoint := fmt.Sprintf("%s/api/transfer/%s/upload", r.baseURL, url.PathEscape(req.TransferID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Data))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}

	httpReq.Header.Set("X-Filename", url.QueryEscape(req.FileName))
	httpReq.Header.Set("Content-Type", req.MediaType)
	httpReq.Header.Set("X-Retry-Count", strconv.Itoa(req.RetryCount))
	httpReq.Header.Set("X-Client-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if req.RelativePath != "" {
		httpReq.Header.Set("X-Relative-Path", url.QueryEscape(req.RelativePath))
	}
	if req.SenderID != "" {
		httpReq.Header.Set("X-Sender-Id", req.SenderID)
	}
	if req.ReceiverID != "" {
		httpReq.Header.Set("X-Receiver-Id", req.ReceiverID)
	}

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}
	return nil
}

// Download GETs a relayed payload.
func (r *RelayClient) Download(ctx context.Context, transferID string) (RelayFile, error) {
	endpoint := fmt.Sprintf("%s/api/transfer/%s/download", r.baseURL, url.PathEscape(transferID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RelayFile{}, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return RelayFile{}, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return RelayFile{}, ErrNotAuthorized
	case http.StatusNotFound:
		return RelayFile{}, ErrNoRelayEntry
	default:
		return RelayFile{}, fmt.Errorf("download rejected with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return RelayFile{}, fmt.Errorf("failed to read payload: %w", err)
	}

	file := RelayFile{
		MediaType: resp.Header.Get("Content-Type"),
		Data:      data,
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		file.Name = params["filename"]
	}
	if raw := resp.Header.Get("X-Relative-Path"); raw != "" {
		if rel, err := url.QueryUnescape(raw); err == nil {
			file.RelativePath = rel
		}
	}
	if file.RelativePath == "" {
		file.RelativePath = file.Name
	}
	return file, nil
}

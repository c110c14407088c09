// Package protocol defines the JSON messages exchanged over the hub's
// websocket channel and over the peer data channel.
package protocol

import (
	"encoding/json"
	"time"
)

// Signaling message types.
const (
	MsgDeviceRegister   = "device-register"
	MsgDeviceUpdate     = "device-update"
	MsgDeviceList       = "device-list"
	MsgTransferOffer    = "transfer-offer"
	MsgTransferAnswer   = "transfer-answer"
	MsgWebRTCOffer      = "webrtc-offer"
	MsgWebRTCAnswer     = "webrtc-answer"
	MsgICECandidate     = "webrtc-ice-candidate"
	MsgTransferProgress = "transfer-progress"
	MsgTransferComplete = "transfer-complete"
	MsgTransferError    = "transfer-error"
	MsgPing             = "ping"
	MsgPong             = "pong"
	MsgError            = "error"
)

// Device statuses.
const (
	StatusAvailable = "available"
	StatusBusy      = "busy"
	StatusOffline   = "offline"
)

// Device form factors.
const (
	DeviceLaptop = "laptop"
	DeviceMobile = "mobile"
	DeviceTablet = "tablet"
)

// Transfer statuses.
const (
	TransferPending      = "pending"
	TransferAccepted     = "accepted"
	TransferTransferring = "transferring"
	TransferCompleted    = "completed"
	TransferFailed       = "failed"
	TransferRejected     = "rejected"
)

// IsTerminal reports whether a transfer status allows no further updates.
func IsTerminal(status string) bool {
	return status == TransferCompleted || status == TransferFailed || status == TransferRejected
}

// Device is the wire representation of a registered device.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Transfer is the wire representation of one file moving between two devices.
type Transfer struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	FileType    string    `json:"fileType"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	CreatedAt   time.Time `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Message is the discriminated union carried over the websocket. Only the
// fields relevant to Type are populated; zero fields are omitted from the
// encoding.
type Message struct {
	Type string `json:"type"`

	// device-register / device-update
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Status     string `json:"status,omitempty"`

	// device-list
	Devices []Device `json:"devices,omitempty"`

	// transfer-*
	TransferID string `json:"transferId,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	FileType   string `json:"fileType,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	Accepted   *bool  `json:"accepted,omitempty"`
	Progress   *int   `json:"progress,omitempty"`

	// webrtc-offer / webrtc-answer / webrtc-ice-candidate payloads,
	// forwarded verbatim by the hub and decoded only by the peers
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// ping / pong
	Timestamp         int64 `json:"timestamp,omitempty"`
	OriginalTimestamp int64 `json:"originalTimestamp,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Bool builds the Accepted pointer field.
func Bool(v bool) *bool { return &v }

// Int builds the Progress pointer field.
func Int(v int) *int { return &v }

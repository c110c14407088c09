// Package peer wraps a pion peer connection carrying the fileTransfer data
// channel between two devices.
package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// DataChannelLabel names the channel both endpoints expect.
const DataChannelLabel = "fileTransfer"

// packetLifetimeMs bounds how long a packet may sit in retransmission
// queues before it is dropped.
const packetLifetimeMs uint16 = 3000

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// DefaultConfig returns a configuration using the public rendezvous servers.
func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: defaultSTUNServers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

// Callbacks carry the channel events up to the transfer engine.
type Callbacks struct {
	OnOpen      func()
	OnMessage   func(data []byte)
	OnCandidate func(candidate webrtc.ICECandidateInit)
	OnFailure   func()
}

// Conn is one peer connection. The initiator creates the data channel and
// the offer; the responder answers and waits for the channel.
type Conn struct {
	pc        *webrtc.PeerConnection
	callbacks Callbacks

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	pending   []webrtc.ICECandidateInit
	hasRemote bool

	failOnce sync.Once
}

// New creates a peer connection ready for either role.
func New(config webrtc.Configuration, callbacks Callbacks) (*Conn, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := &Conn{pc: pc, callbacks: callbacks}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			conn.fail()
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			conn.fail()
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil && conn.callbacks.OnCandidate != nil {
			conn.callbacks.OnCandidate(c.ToJSON())
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn.setupDataChannel(dc)
	})

	return conn, nil
}

// CreateOffer opens the fileTransfer channel and produces the local offer.
// Initiator side only.
func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	ordered := true
	lifetime := packetLifetimeMs
	dc, err := c.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:           &ordered,
		MaxPacketLifeTime: &lifetime,
	})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// HandleOffer applies the remote offer and produces the local answer.
// Responder side only.
func (c *Conn) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

// HandleAnswer applies the remote answer on the initiator side.
func (c *Conn) HandleAnswer(answer webrtc.SessionDescription) error {
	return c.setRemote(answer)
}

// AddCandidate applies a remote rendezvous candidate, buffering it until the
// remote description is set.
func (c *Conn) AddCandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.hasRemote {
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(candidate)
}

// Send writes one frame to the data channel.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	return dc.Send(data)
}

// Close tears the connection down without firing the failure callback.
func (c *Conn) Close() error {
	c.failOnce.Do(func() {})

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}

func (c *Conn) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	c.mu.Lock()
	c.hasRemote = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("failed to add buffered candidate: %w", err)
		}
	}
	return nil
}

func (c *Conn) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if c.callbacks.OnOpen != nil {
			c.callbacks.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		c.fail()
	})
}

func (c *Conn) fail() {
	c.failOnce.Do(func() {
		if c.callbacks.OnFailure != nil {
			c.callbacks.OnFailure()
		}
	})
}

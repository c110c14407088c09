// Package session maintains the client's single persistent connection to
// the hub: registration, heartbeats, reconnection, and inbound dispatch.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lanbeam/lanbeam/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	heartbeatInterval    = 30 * time.Second
	pongDeadline         = 60 * time.Second
	maxReconnectAttempts = 5
	maxReconnectDelay    = 30 * time.Second
)

// Device identifies this client to the hub.
type Device struct {
	ID   string
	Name string
	Type string
}

// Client is the hub session. Messages sent while disconnected are queued
// and flushed in FIFO order once the session reopens.
type Client struct {
	url    string
	device Device
	logger *logrus.Logger

	// uiHandler gets device-list and transfer-offer; engineHandler gets
	// everything else. Set both before Connect.
	uiHandler     func(protocol.Message)
	engineHandler func(protocol.Message)

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  []protocol.Message
	attempts int
	lastPong time.Time
	lastRTT  time.Duration
	closed   bool

	wmu sync.Mutex // serializes frame writes
}

func NewClient(url string, device Device, log *logrus.Logger) *Client {
	return &Client{
		url:    url,
		device: device,
		logger: log,
	}
}

// OnUIMessage registers the subscriber for device-list and transfer-offer.
func (c *Client) OnUIMessage(fn func(protocol.Message)) { c.uiHandler = fn }

// OnEngineMessage registers the subscriber for every other inbound message.
func (c *Client) OnEngineMessage(fn func(protocol.Message)) { c.engineHandler = fn }

// Connect dials the hub, registers the device, flushes the pending queue
// and starts the read and heartbeat loops.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial hub: %w", err)
	}
	c.adopt(conn)
	go c.readLoop(conn)
	go c.heartbeat(conn)
	return nil
}

// Send writes a message to the hub, or queues it while disconnected.
func (c *Client) Send(msg protocol.Message) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		c.logger.Debugf("Send failed, queueing %s: %v", msg.Type, err)
		c.mu.Lock()
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
	}
}

// RTT returns the last measured heartbeat round-trip.
func (c *Client) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRTT
}

// Close ends the session for good; no reconnection follows.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// adopt installs a freshly dialed connection: registers the device first,
// then flushes the queue.
func (c *Client) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.lastPong = time.Now()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	register := protocol.Message{
		Type:       protocol.MsgDeviceRegister,
		DeviceID:   c.device.ID,
		DeviceName: c.device.Name,
		DeviceType: c.device.Type,
	}
	if err := c.write(conn, register); err != nil {
		c.logger.Warnf("Failed to register with hub: %v", err)
	}
	for _, msg := range queued {
		if err := c.write(conn, msg); err != nil {
			c.logger.Warnf("Failed to flush queued %s: %v", msg.Type, err)
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgPong:
		c.mu.Lock()
		c.lastPong = time.Now()
		if msg.OriginalTimestamp > 0 {
			c.lastRTT = time.Duration(time.Now().UnixMilli()-msg.OriginalTimestamp) * time.Millisecond
		}
		c.mu.Unlock()
	case protocol.MsgDeviceList, protocol.MsgTransferOffer:
		if c.uiHandler != nil {
			c.uiHandler(msg)
		}
	default:
		if c.engineHandler != nil {
			c.engineHandler(msg)
		}
	}
}

func (c *Client) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		stale := time.Since(c.lastPong) > pongDeadline
		c.mu.Unlock()

		if current != conn {
			return
		}
		if stale {
			// Half-open session: no pong inside the deadline. Force the
			// read loop to fail and reconnect.
			c.logger.Warnf("Heartbeat stalled, forcing reconnect")
			_ = conn.Close()
			return
		}
		if err := c.write(conn, protocol.Message{
			Type:      protocol.MsgPing,
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			return
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	if isCleanClose(cause) {
		c.logger.Infof("Session closed cleanly")
		return
	}
	c.logger.Warnf("Session lost: %v", cause)
	c.reconnect()
}

func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		if c.closed || c.attempts >= maxReconnectAttempts {
			c.mu.Unlock()
			c.logger.Errorf("Giving up on hub reconnection")
			return
		}
		attempt := c.attempts
		c.attempts++
		c.mu.Unlock()

		delay := backoffDelay(attempt)
		c.logger.Infof("Reconnecting to hub in %s (attempt %d)", delay, attempt+1)
		time.Sleep(delay)

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warnf("Reconnect failed: %v", err)
			continue
		}

		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()

		c.adopt(conn)
		go c.readLoop(conn)
		go c.heartbeat(conn)
		return
	}
}

// backoffDelay doubles per attempt starting at one second, capped at the
// maximum reconnect delay.
func backoffDelay(attempt int) time.Duration {
	delay := time.Second << attempt
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
	)
}

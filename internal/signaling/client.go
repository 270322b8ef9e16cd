// Package signaling implements the signaling client (SPEC_FULL.md
// §4.7): a thin, stateless-with-respect-to-call-semantics WebSocket
// mailbox to the rendezvous server. Grounded on the teacher's
// internal/websocket.Client (read/write pump goroutines, ping/pong
// keepalive, jittered exponential backoff, graceful WriteControl+Close
// shutdown), re-themed onto spec.md §6's envelope
// {kind, from, to, payload} instead of the teacher's {id, type, payload}
// command protocol.
package signaling

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftpeer/core/internal/logging"
)

var log = logging.L("signaling")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second // spec.md §4.7: cap 30s
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Kind enumerates the envelope kinds spec.md §6 requires.
type Kind string

const (
	KindRegister     Kind = "register"
	KindRegisterAck  Kind = "register_ack"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice_candidate"
	KindBye          Kind = "bye"
)

// Envelope is the wire format from spec.md §6:
//
//	{ "kind": <string>, "from": <device_id?>, "to": <device_id?>, "payload": <object> }
type Envelope struct {
	Kind    Kind            `json:"kind"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is the payload for a `register` envelope.
type RegisterPayload struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// DescriptionPayload is the payload for `offer`/`answer` envelopes.
type DescriptionPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload is the payload for an `ice_candidate` envelope.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// Handler receives envelopes addressed to this device.
type Handler func(Envelope)

// Config configures a Client.
type Config struct {
	ServerURL  string
	DeviceID   string
	DeviceName string
}

// Client is a reconnecting WebSocket mailbox to the rendezvous server.
// It owns no session/call semantics: it only relays envelopes.
type Client struct {
	cfg     Config
	handler Handler

	connMu sync.RWMutex
	conn   *websocket.Conn

	done      chan struct{}
	sendChan  chan []byte
	stopOnce  sync.Once
	runningMu sync.RWMutex
	isRunning bool

	ackMu      sync.Mutex
	ackWaiters []chan struct{}
}

// New constructs a Client. Start must be called to begin connecting.
func New(cfg Config, handler Handler) *Client {
	return &Client{
		cfg:      cfg,
		handler:  handler,
		done:     make(chan struct{}),
		sendChan: make(chan []byte, 64),
	}
}

// Start begins the reconnect loop in the background.
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	go c.reconnectLoop()
}

// Stop gracefully closes the connection. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("signaling client stopped")
	})
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build signaling url: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Info("connected to signaling server", "url", c.cfg.ServerURL)
	return c.register()
}

func (c *Client) buildWSURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) register() error {
	payload, _ := json.Marshal(RegisterPayload{DeviceID: c.cfg.DeviceID, DeviceName: c.cfg.DeviceName})
	return c.send(Envelope{Kind: KindRegister, From: c.cfg.DeviceID, Payload: payload})
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Warn("signaling connect failed", "error", err)
			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}
			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump()
		close(pumpDone)

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("signaling read error", "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("failed to parse envelope", "error", err)
			continue
		}
		if env.Kind == KindRegisterAck {
			c.notifyAckWaiters()
			continue
		}
		if c.handler != nil {
			go c.handler(env)
		}
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return
		case message := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("signaling write error", "error", err)
				return
			}
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling client is stopped")
	default:
		return fmt.Errorf("signaling send queue full")
	}
}

// SendOffer relays a local SDP offer to a remote device id.
func (c *Client) SendOffer(to, sdp string) error {
	payload, _ := json.Marshal(DescriptionPayload{SDP: sdp})
	return c.send(Envelope{Kind: KindOffer, From: c.cfg.DeviceID, To: to, Payload: payload})
}

// SendAnswer relays a local SDP answer to a remote device id.
func (c *Client) SendAnswer(to, sdp string) error {
	payload, _ := json.Marshal(DescriptionPayload{SDP: sdp})
	return c.send(Envelope{Kind: KindAnswer, From: c.cfg.DeviceID, To: to, Payload: payload})
}

// SendICECandidate relays one local ICE candidate to a remote device id.
func (c *Client) SendICECandidate(to, candidate string) error {
	payload, _ := json.Marshal(CandidatePayload{Candidate: candidate})
	return c.send(Envelope{Kind: KindICECandidate, From: c.cfg.DeviceID, To: to, Payload: payload})
}

// SendBye tells the remote device's signaling mailbox the session is
// torn down.
func (c *Client) SendBye(to string) error {
	return c.send(Envelope{Kind: KindBye, From: c.cfg.DeviceID, To: to})
}

func (c *Client) notifyAckWaiters() {
	c.ackMu.Lock()
	waiters := c.ackWaiters
	c.ackWaiters = nil
	c.ackMu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// WaitRegistered blocks until a register_ack is received or the
// timeout elapses.
func (c *Client) WaitRegistered(timeout time.Duration) bool {
	ch := make(chan struct{})
	c.ackMu.Lock()
	c.ackWaiters = append(c.ackWaiters, ch)
	c.ackMu.Unlock()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ParseDescription extracts the SDP from an offer/answer envelope.
func ParseDescription(env Envelope) (string, error) {
	var p DescriptionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("parse description payload: %w", err)
	}
	return p.SDP, nil
}

// ParseCandidate extracts the candidate string from an ice_candidate envelope.
func ParseCandidate(env Envelope) (string, error) {
	var p CandidatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("parse candidate payload: %w", err)
	}
	return p.Candidate, nil
}

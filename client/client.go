// Package client connects agents to a waypost relay. The WebSocket
// Client keeps a registered session alive, verifies every inbound
// envelope before handing it to the application, and can redial with
// backoff when the link drops. RESTClient drives the polled HTTP
// surface for agents that cannot hold a socket open.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waypost/waypost/envelope"
	"github.com/waypost/waypost/identity"
	"github.com/waypost/waypost/internal/logger"
	"github.com/waypost/waypost/internal/wire"
)

var ErrClosed = errors.New("client closed")

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Config describes a relay connection. PublicKey may be left empty
// when PrivateKey is set; it is derived from the private key.
type Config struct {
	URL        string
	PublicKey  string
	PrivateKey string
	Name       string
	Metadata   map[string]any

	// OnEnvelope receives verified envelopes. Envelopes that fail
	// verification are dropped before this is called.
	OnEnvelope    func(e *envelope.Envelope, fromName string)
	OnPeerOnline  func(publicKey, name string)
	OnPeerOffline func(publicKey string)
	// OnError receives protocol error frames from the relay.
	OnError func(message string)

	// Reconnect redials with doubling backoff after the link drops.
	Reconnect bool
	// ReconnectInterval is the initial redial delay. Zero means 5s.
	ReconnectInterval time.Duration
}

type Client struct {
	cfg Config

	conn   *websocket.Conn
	connMu sync.RWMutex

	peersMu sync.RWMutex
	peers   map[string]string

	sendCh    chan []byte
	doneCh    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay URL is required")
	}
	if cfg.PrivateKey == "" {
		return nil, errors.New("private key is required")
	}
	if cfg.PublicKey == "" {
		pub, err := identity.PublicFromPrivate(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		cfg.PublicKey = pub
	}
	return &Client{
		cfg:    cfg,
		peers:  make(map[string]string),
		sendCh: make(chan []byte, 64),
		doneCh: make(chan struct{}),
	}, nil
}

// PublicKey returns the identity this client registers as.
func (c *Client) PublicKey() string { return c.cfg.PublicKey }

// Connect dials the relay, registers, and starts the read and write
// pumps. It returns once the relay acknowledges the registration.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	if err := c.register(conn); err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn)
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return conn, nil
}

func (c *Client) register(conn *websocket.Conn) error {
	reg := wire.Register{
		Type:      wire.TypeRegister,
		PublicKey: c.cfg.PublicKey,
		Name:      c.cfg.Name,
		Metadata:  c.cfg.Metadata,
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(reg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	// The ack is the first frame on a fresh session; anything else
	// means the relay turned us away.
	conn.SetReadDeadline(time.Now().Add(writeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await registration ack: %w", err)
	}
	var ack struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("decode registration reply: %w", err)
	}
	switch ack.Type {
	case wire.TypeRegistered:
		return nil
	case wire.TypeError:
		return fmt.Errorf("registration rejected: %s", ack.Message)
	default:
		return fmt.Errorf("unexpected %q frame before registration ack", ack.Type)
	}
}

// Send signs payload into an envelope addressed to the public key to
// and queues it for delivery. It returns the envelope id.
func (c *Client) Send(to, typ string, payload any) (string, error) {
	return c.SendReply(to, typ, payload, "")
}

// SendReply is Send with the inReplyTo thread reference set.
func (c *Client) SendReply(to, typ string, payload any, inReplyTo string) (string, error) {
	e, err := envelope.CreateAt(typ, c.cfg.PublicKey, c.cfg.PrivateKey, payload, time.Now().UnixMilli(), inReplyTo)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(wire.Message{Type: wire.TypeMessage, To: to, Envelope: e})
	if err != nil {
		return "", err
	}
	select {
	case <-c.doneCh:
		return "", ErrClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return e.ID, nil
	case <-c.doneCh:
		return "", ErrClosed
	case <-time.After(writeTimeout):
		return "", errors.New("send queue full")
	}
}

// Peers returns the last known peer set as publicKey to name.
func (c *Client) Peers() map[string]string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make(map[string]string, len(c.peers))
	for k, v := range c.peers {
		out[k] = v
	}
	return out
}

// Close tears the connection down and stops any reconnect loop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.doneCh) })

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.doneCh:
			default:
				logger.Warn("Relay connection lost", "error", err)
				go c.handleReconnect(conn)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.dispatch(data)
	}
}

func (c *Client) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if c.currentConn() != conn {
				// A redial replaced this connection; leave the frame
				// for the new pump.
				c.requeue(data)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("Relay write failed", "error", err)
				c.requeue(data)
				go c.handleReconnect(conn)
				return
			}
		case <-ticker.C:
			if c.currentConn() != conn {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("Relay ping failed", "error", err)
				go c.handleReconnect(conn)
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

// currentConn returns the connection the client is using now, or nil
// between a drop and a successful redial.
func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// requeue hands an unsent frame back to the send queue for the
// replacement connection's pump. A full queue drops the frame.
func (c *Client) requeue(data []byte) {
	select {
	case c.sendCh <- data:
	default:
		logger.Warn("Send queue full, dropping frame")
	}
}

// dispatch routes one inbound frame. Deliveries are flattened signed
// envelopes and everything else is a control frame; the signature
// field tells them apart.
func (c *Client) dispatch(data []byte) {
	var sniff struct {
		Type      string `json:"type"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(data, &sniff); err != nil {
		logger.Debug("Dropping unparseable frame", "error", err)
		return
	}
	if sniff.Signature != "" {
		c.handleDelivery(data)
		return
	}

	switch sniff.Type {
	case wire.TypePeerList:
		var pl wire.PeerList
		if err := json.Unmarshal(data, &pl); err != nil {
			return
		}
		c.peersMu.Lock()
		c.peers = make(map[string]string, len(pl.Peers))
		for _, p := range pl.Peers {
			c.peers[p.PublicKey] = p.Name
		}
		c.peersMu.Unlock()
	case wire.TypePeerOnline:
		var ev wire.PeerOnline
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		c.peersMu.Lock()
		c.peers[ev.PublicKey] = ev.Name
		c.peersMu.Unlock()
		if c.cfg.OnPeerOnline != nil {
			c.cfg.OnPeerOnline(ev.PublicKey, ev.Name)
		}
	case wire.TypePeerOffline:
		var ev wire.PeerOffline
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		c.peersMu.Lock()
		delete(c.peers, ev.PublicKey)
		c.peersMu.Unlock()
		if c.cfg.OnPeerOffline != nil {
			c.cfg.OnPeerOffline(ev.PublicKey)
		}
	case wire.TypeError:
		var ev wire.Error
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if c.cfg.OnError != nil {
			c.cfg.OnError(ev.Message)
		} else {
			logger.Warn("Relay error", "message", ev.Message)
		}
	case wire.TypeRegistered, wire.TypePong:
		// Ack is consumed during Connect; pongs only prove liveness.
	default:
		logger.Debug("Ignoring unknown frame", "type", sniff.Type)
	}
}

func (c *Client) handleDelivery(data []byte) {
	var d wire.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		logger.Debug("Dropping malformed delivery", "error", err)
		return
	}
	if err := envelope.Verify(&d.Envelope); err != nil {
		logger.Warn("Dropping envelope that fails verification", "sender", d.Sender, "error", err)
		return
	}
	if c.cfg.OnEnvelope != nil {
		c.cfg.OnEnvelope(&d.Envelope, d.FromName)
	}
}

// handleReconnect redials after a pump saw the connection fail.
// Clearing conn under the lock admits exactly one report per
// connection: late reports from a replaced connection find conn
// pointing elsewhere and return without dialing.
func (c *Client) handleReconnect(failed *websocket.Conn) {
	failed.Close()
	if !c.cfg.Reconnect {
		return
	}

	c.connMu.Lock()
	if c.conn != failed {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connMu.Unlock()

	interval := c.cfg.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		select {
		case <-c.doneCh:
			return
		case <-time.After(interval):
		}
		logger.Info("Reconnecting to relay", "url", c.cfg.URL)
		err := c.Connect()
		if err == nil {
			logger.Info("Reconnected to relay")
			return
		}
		logger.Warn("Reconnect failed", "error", err)
		if interval < 60*time.Second {
			interval *= 2
		}
	}
}

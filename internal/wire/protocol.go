// Package wire defines the JSON control frames exchanged over a relay
// WebSocket. Routed envelopes are not wrapped: the envelope itself is
// the frame, with an optional fromName sibling attached by the router.
package wire

import (
	"encoding/json"

	"github.com/waypost/waypost/envelope"
)

// Frame types accepted from clients.
const (
	TypeRegister = "register"
	TypeMessage  = "message"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Frame types emitted by the relay.
const (
	TypeRegistered  = "registered"
	TypePeerList    = "peer_list"
	TypePeerOnline  = "peer_online"
	TypePeerOffline = "peer_offline"
	TypeError       = "error"
)

// frame is the minimal sniff backing ParseFrame.
type frame struct {
	Type string `json:"type"`
}

// Register binds a public key to the connection.
type Register struct {
	Type      string         `json:"type"`
	PublicKey string         `json:"publicKey"`
	Name      string         `json:"name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message asks the relay to route an envelope to another public key.
type Message struct {
	Type     string             `json:"type"`
	To       string             `json:"to"`
	Envelope *envelope.Envelope `json:"envelope"`
}

// Registered acknowledges a successful register.
type Registered struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
}

// Peer is one entry in a peer_list snapshot.
type Peer struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
}

// PeerList is the snapshot of visible peers sent after registered.
type PeerList struct {
	Type  string `json:"type"`
	Peers []Peer `json:"peers"`
}

// PeerOnline announces a peer joining.
type PeerOnline struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
}

// PeerOffline announces a peer leaving.
type PeerOffline struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
}

// Error reports a protocol-level failure without closing the socket.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Delivery is a routed envelope as it appears on the recipient's
// socket: the envelope fields verbatim plus the sender's registered
// display name when one was given.
type Delivery struct {
	envelope.Envelope
	FromName string `json:"fromName,omitempty"`
}

// Ping is an application-level keepalive. It carries no fields beyond
// its type; the relay refreshes liveness and sends no reply.
type Ping struct {
	Type string `json:"type"`
}

// ParseFrame sniffs the type of an inbound message without committing
// to a concrete frame shape.
func ParseFrame(data []byte) (string, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", err
	}
	return f.Type, nil
}

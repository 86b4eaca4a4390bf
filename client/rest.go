package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/waypost/waypost/identity"
)

// RESTClient drives the relay's HTTP surface. Register trades the key
// pair for a bearer token; envelopes addressed to the session queue
// server-side until Messages drains them.
type RESTClient struct {
	baseURL   string
	token     string
	publicKey string
	http      *http.Client
}

func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Message is one drained envelope, already verified and unwrapped by
// the relay. InReplyTo is null for envelopes outside any thread.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	InReplyTo *string         `json:"inReplyTo"`
}

// Peer is a visible agent: online, or offline but buffered for. Name
// is empty for offline peers.
type Peer struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
}

// Register opens a session. The private key travels to the relay,
// which signs outgoing envelopes on the session's behalf, so only use
// this against a relay you operate or trust.
func (c *RESTClient) Register(publicKey, privateKey, name string, metadata map[string]any) ([]Peer, error) {
	if publicKey == "" {
		pub, err := identity.PublicFromPrivate(privateKey)
		if err != nil {
			return nil, err
		}
		publicKey = pub
	}
	req := map[string]any{
		"publicKey":  publicKey,
		"privateKey": privateKey,
	}
	if name != "" {
		req["name"] = name
	}
	if metadata != nil {
		req["metadata"] = metadata
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
		Peers     []Peer `json:"peers"`
	}
	if err := c.do(http.MethodPost, "/v1/register", req, &resp); err != nil {
		return nil, err
	}
	c.token = resp.Token
	c.publicKey = publicKey
	return resp.Peers, nil
}

// Token returns the bearer token from the last Register.
func (c *RESTClient) Token() string { return c.token }

// PublicKey returns the identity from the last Register.
func (c *RESTClient) PublicKey() string { return c.publicKey }

// Send asks the relay to sign and route an envelope. It returns the
// envelope id. inReplyTo may be empty.
func (c *RESTClient) Send(to, typ string, payload any, inReplyTo string) (string, error) {
	req := map[string]any{
		"to":   to,
		"type": typ,
	}
	if payload != nil {
		req["payload"] = payload
	}
	if inReplyTo != "" {
		req["inReplyTo"] = inReplyTo
	}
	var resp struct {
		OK        bool   `json:"ok"`
		MessageID string `json:"messageId"`
	}
	if err := c.do(http.MethodPost, "/v1/send", req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// Messages drains and returns everything queued for the session. The
// queue is cleared server-side in the same step.
func (c *RESTClient) Messages() ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(http.MethodGet, "/v1/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *RESTClient) Peers() ([]Peer, error) {
	var resp struct {
		Peers []Peer `json:"peers"`
	}
	if err := c.do(http.MethodGet, "/v1/peers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// Disconnect revokes the session and its token.
func (c *RESTClient) Disconnect() error {
	if err := c.do(http.MethodDelete, "/v1/disconnect", nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

func (c *RESTClient) do(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/waypost/waypost/envelope"
	"github.com/waypost/waypost/internal/config"
	"github.com/waypost/waypost/internal/wire"
)

func restDo(t *testing.T, ts *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		buf = bytes.NewReader(data)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func restDecode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func restExpectError(t *testing.T, resp *http.Response, wantStatus int, wantMsg string) {
	t.Helper()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d", resp.StatusCode, wantStatus)
	}
	var out struct {
		Error string `json:"error"`
	}
	restDecode(t, resp, &out)
	if out.Error != wantMsg {
		t.Errorf("error = %q, want %q", out.Error, wantMsg)
	}
}

func restRegister(t *testing.T, ts *httptest.Server, publicKey, privateKey, name string) (string, []wire.Peer) {
	t.Helper()
	resp := restDo(t, ts, http.MethodPost, "/v1/register", "", map[string]any{
		"publicKey":  publicKey,
		"privateKey": privateKey,
		"name":       name,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Token     string      `json:"token"`
		ExpiresAt int64       `json:"expiresAt"`
		Peers     []wire.Peer `json:"peers"`
	}
	restDecode(t, resp, &out)
	if out.Token == "" {
		t.Fatal("register returned an empty token")
	}
	if out.ExpiresAt <= time.Now().UnixMilli() {
		t.Errorf("expiresAt = %d is not in the future", out.ExpiresAt)
	}
	return out.Token, out.Peers
}

func TestRESTRegisterAndPoll(t *testing.T) {
	_, ts := testServer(t)
	pkA, privA := testKeys(t)
	pkB, privB := testKeys(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, peers := restRegister(t, ts, pkB, privB, "beta")
	if len(peers) != 0 {
		t.Errorf("first registrant peer list = %+v, want empty", peers)
	}

	connA := dialWS(t, ctx, ts)
	peersA := registerAgent(t, ctx, connA, pkA, "alpha")
	if len(peersA) != 1 || peersA[0].PublicKey != pkB || peersA[0].Name != "beta" {
		t.Errorf("ws peer list = %+v, want the polled session", peersA)
	}

	e := signedEnvelope(t, "status", pkA, privA, map[string]any{"text": "hello"})
	writeWS(t, ctx, connA, wire.Message{Type: wire.TypeMessage, To: pkB, Envelope: e})

	// Delivery is an enqueue for a polled session; give the route a
	// moment to land.
	time.Sleep(50 * time.Millisecond)

	resp := restDo(t, ts, http.MethodGet, "/v1/messages", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Messages []map[string]any `json:"messages"`
	}
	restDecode(t, resp, &out)
	if len(out.Messages) != 1 {
		t.Fatalf("drained %d messages, want 1", len(out.Messages))
	}
	m := out.Messages[0]
	if m["id"] != e.ID || m["from"] != pkA || m["type"] != "status" {
		t.Errorf("message = %+v, want id/from/type of the sent envelope", m)
	}
	payload, ok := m["payload"].(map[string]any)
	if !ok || payload["text"] != "hello" {
		t.Errorf("payload = %+v, want text=hello", m["payload"])
	}
	if v, present := m["inReplyTo"]; !present || v != nil {
		t.Errorf("inReplyTo = %v (present=%v), want explicit null", v, present)
	}

	// The drain cleared the queue.
	resp = restDo(t, ts, http.MethodGet, "/v1/messages", token, nil)
	var again struct {
		Messages []map[string]any `json:"messages"`
	}
	restDecode(t, resp, &again)
	if len(again.Messages) != 0 {
		t.Errorf("second drain returned %d messages, want 0", len(again.Messages))
	}
}

func TestRESTSendSignsForSession(t *testing.T) {
	_, ts := testServer(t)
	pkA, privA := testKeys(t)
	pkB, _ := testKeys(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, _ := restRegister(t, ts, pkA, privA, "alpha")

	connB := dialWS(t, ctx, ts)
	registerAgent(t, ctx, connB, pkB, "beta")

	resp := restDo(t, ts, http.MethodPost, "/v1/send", token, map[string]any{
		"to":        pkB,
		"type":      "status",
		"payload":   map[string]any{"n": 7},
		"inReplyTo": "earlier",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d, want 200", resp.StatusCode)
	}
	var sent struct {
		OK        bool   `json:"ok"`
		MessageID string `json:"messageId"`
	}
	restDecode(t, resp, &sent)
	if !sent.OK || sent.MessageID == "" {
		t.Fatalf("send response = %+v", sent)
	}

	// The relay signed with the session's held key; the delivery
	// verifies like any agent-signed envelope.
	var d wire.Delivery
	if err := json.Unmarshal(readWS(t, ctx, connB), &d); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if d.ID != sent.MessageID {
		t.Errorf("delivered id = %s, want %s", d.ID, sent.MessageID)
	}
	if d.Sender != pkA || d.FromName != "alpha" {
		t.Errorf("sender = %s fromName = %q, want alpha's", shortKey(d.Sender), d.FromName)
	}
	if d.InReplyTo != "earlier" {
		t.Errorf("inReplyTo = %q, want earlier", d.InReplyTo)
	}
	if err := envelope.Verify(&d.Envelope); err != nil {
		t.Errorf("delivered envelope does not verify: %v", err)
	}
}

func TestRESTKeyPairMismatch(t *testing.T) {
	_, ts := testServer(t)
	pkA, _ := testKeys(t)
	_, privB := testKeys(t)

	resp := restDo(t, ts, http.MethodPost, "/v1/register", "", map[string]any{
		"publicKey":  pkA,
		"privateKey": privB,
	})
	restExpectError(t, resp, http.StatusBadRequest, "key pair mismatch")
}

func TestRESTRequiresToken(t *testing.T) {
	_, ts := testServer(t)

	resp := restDo(t, ts, http.MethodGet, "/v1/messages", "", nil)
	restExpectError(t, resp, http.StatusUnauthorized, "invalid or expired token")

	resp = restDo(t, ts, http.MethodGet, "/v1/peers", "not-a-jwt", nil)
	restExpectError(t, resp, http.StatusUnauthorized, "invalid or expired token")
}

func TestRESTDisconnect(t *testing.T) {
	srv, ts := testServer(t)
	pk, priv := testKeys(t)

	token, _ := restRegister(t, ts, pk, priv, "alpha")

	sess, ok := srv.Registry.Get(pk)
	if !ok {
		t.Fatal("session not registered")
	}
	rs := sess.(*restSession)

	resp := restDo(t, ts, http.MethodDelete, "/v1/disconnect", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d, want 200", resp.StatusCode)
	}

	if agents := srv.Agents(); len(agents) != 0 {
		t.Errorf("Agents after disconnect = %v, want empty", agents)
	}
	if _, live := rs.signingKey(); live {
		t.Error("signing key survived disconnect")
	}

	resp = restDo(t, ts, http.MethodGet, "/v1/peers", token, nil)
	restExpectError(t, resp, http.StatusUnauthorized, "invalid or expired token")
}

func TestRESTReRegisterRevokesPriorToken(t *testing.T) {
	_, ts := testServer(t)
	pk, priv := testKeys(t)

	token1, _ := restRegister(t, ts, pk, priv, "alpha")
	token2, _ := restRegister(t, ts, pk, priv, "alpha")

	resp := restDo(t, ts, http.MethodGet, "/v1/peers", token1, nil)
	restExpectError(t, resp, http.StatusUnauthorized, "invalid or expired token")

	resp = restDo(t, ts, http.MethodGet, "/v1/peers", token2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("current token status = %d, want 200", resp.StatusCode)
	}
}

func TestRESTQueueFull(t *testing.T) {
	_, ts := testServer(t, func(c *config.Config) {
		c.Limits.QueueSize = 1
	})
	pkA, privA := testKeys(t)
	pkB, privB := testKeys(t)
	pkS, privS := testKeys(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = restRegister(t, ts, pkB, privB, "beta")
	tokenS, _ := restRegister(t, ts, pkS, privS, "sender")

	connA := dialWS(t, ctx, ts)
	registerAgent(t, ctx, connA, pkA, "alpha")

	resp := restDo(t, ts, http.MethodPost, "/v1/send", tokenS, map[string]any{
		"to": pkB, "type": "status",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first send status = %d, want 200", resp.StatusCode)
	}

	// The queue holds one envelope; both transports hear the overflow.
	resp = restDo(t, ts, http.MethodPost, "/v1/send", tokenS, map[string]any{
		"to": pkB, "type": "status",
	})
	restExpectError(t, resp, http.StatusServiceUnavailable, "queue_full")

	e := signedEnvelope(t, "status", pkA, privA, nil)
	writeWS(t, ctx, connA, wire.Message{Type: wire.TypeMessage, To: pkB, Envelope: e})
	expectError(t, ctx, connA, "Recipient queue full")
}

func TestRESTSendValidation(t *testing.T) {
	_, ts := testServer(t)
	pk, priv := testKeys(t)

	token, _ := restRegister(t, ts, pk, priv, "alpha")

	resp := restDo(t, ts, http.MethodPost, "/v1/send", token, map[string]any{"type": "status"})
	restExpectError(t, resp, http.StatusBadRequest, "to and type are required")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/send", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	raw, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("send malformed body: %v", err)
	}
	defer raw.Body.Close()
	restExpectError(t, raw, http.StatusBadRequest, "invalid JSON")
}

func TestRESTExpiredTokenRevokesSession(t *testing.T) {
	srv, ts := testServer(t, func(c *config.Config) {
		c.Timeouts.TokenTTL = config.Duration(10 * time.Millisecond)
	})
	pk, priv := testKeys(t)

	token, _ := restRegister(t, ts, pk, priv, "alpha")
	time.Sleep(100 * time.Millisecond)

	resp := restDo(t, ts, http.MethodGet, "/v1/peers", token, nil)
	restExpectError(t, resp, http.StatusUnauthorized, "invalid or expired token")

	// The expired token named its session; it was torn down on sight.
	if agents := srv.Agents(); len(agents) != 0 {
		t.Errorf("Agents after expiry = %v, want empty", agents)
	}
}

func TestRESTRegisterPreloadsBacklog(t *testing.T) {
	pkA, privA := testKeys(t)
	pkB, privB := testKeys(t)

	srv, ts := testServer(t, func(c *config.Config) {
		c.StoredFor.Keys = []string{pkB}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connA := dialWS(t, ctx, ts)
	registerAgent(t, ctx, connA, pkA, "alpha")

	e := signedEnvelope(t, "note", pkA, privA, map[string]any{"seq": 1})
	writeWS(t, ctx, connA, wire.Message{Type: wire.TypeMessage, To: pkB, Envelope: e})
	waitForDepth(t, srv, pkB, 1)

	token, peers := restRegister(t, ts, pkB, privB, "beta")
	if len(peers) != 1 || peers[0].PublicKey != pkA {
		t.Errorf("peer list = %+v, want alpha", peers)
	}
	if n := srv.Buffers.Len(pkB); n != 0 {
		t.Errorf("buffer depth after register = %d, want 0", n)
	}

	resp := restDo(t, ts, http.MethodGet, "/v1/messages", token, nil)
	var out struct {
		Messages []map[string]any `json:"messages"`
	}
	restDecode(t, resp, &out)
	if len(out.Messages) != 1 || out.Messages[0]["id"] != e.ID {
		t.Errorf("drained %+v, want the buffered envelope %s", out.Messages, shortKey(e.ID))
	}
}

func TestRESTRateLimit(t *testing.T) {
	_, ts := testServer(t, func(c *config.Config) {
		c.Limits.RatePerSecond = 1
		c.Limits.RateBurst = 1
	})
	pk, priv := testKeys(t)

	token, _ := restRegister(t, ts, pk, priv, "alpha")

	resp := restDo(t, ts, http.MethodGet, "/v1/peers", token, nil)
	restExpectError(t, resp, http.StatusTooManyRequests, "rate_limited")

	// Health stays reachable regardless of the limiter.
	resp = restDo(t, ts, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

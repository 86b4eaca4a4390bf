package relay

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	secret, err := newTokenSecret("")
	if err != nil {
		t.Fatalf("newTokenSecret: %v", err)
	}
	pk, _ := testKeys(t)

	token, tokenID, expiresAt, err := issueToken(secret, pk, time.Hour)
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Errorf("expiresAt = %v, want about an hour out", expiresAt)
	}

	claims, err := validateToken(secret, token)
	if err != nil {
		t.Fatalf("validateToken: %v", err)
	}
	if claims.Subject != pk {
		t.Errorf("subject = %s, want %s", shortKey(claims.Subject), shortKey(pk))
	}
	if claims.ID != tokenID {
		t.Errorf("token id = %s, want %s", claims.ID, tokenID)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	secret, _ := newTokenSecret("")
	other, _ := newTokenSecret("")
	pk, _ := testKeys(t)

	token, _, _, err := issueToken(secret, pk, time.Hour)
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if _, err := validateToken(other, token); err == nil {
		t.Error("token validated under a different secret")
	}
}

func TestTokenExpired(t *testing.T) {
	secret, _ := newTokenSecret("")
	pk, _ := testKeys(t)

	token, _, _, err := issueToken(secret, pk, -time.Minute)
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}

	claims, err := validateToken(secret, token)
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("validateToken = %v, want ErrTokenExpired", err)
	}
	// The claims still identify the session so it can be revoked.
	if claims == nil || claims.Subject != pk {
		t.Errorf("expired claims = %+v, want subject preserved", claims)
	}
}

func TestTokenSecretDerivation(t *testing.T) {
	_, priv1 := testKeys(t)
	_, priv2 := testKeys(t)

	a, err := newTokenSecret(priv1)
	if err != nil {
		t.Fatalf("newTokenSecret: %v", err)
	}
	b, err := newTokenSecret(priv1)
	if err != nil {
		t.Fatalf("newTokenSecret: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same identity key derived different secrets")
	}

	c, _ := newTokenSecret(priv2)
	if bytes.Equal(a, c) {
		t.Error("different identity keys derived the same secret")
	}

	r1, _ := newTokenSecret("")
	r2, _ := newTokenSecret("")
	if bytes.Equal(r1, r2) {
		t.Error("anonymous secrets are not random")
	}

	if _, err := newTokenSecret("zz"); err == nil {
		t.Error("malformed identity key accepted")
	}
}

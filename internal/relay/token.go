package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/waypost/waypost/identity"
)

// sessionClaims are the JWT claims for a REST session. Subject is the
// public key; ID binds the token to one session so re-registration
// revokes every token issued before it.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// newTokenSecret derives the REST token signing secret. With a relay
// identity configured the secret is stable across restarts
// (HKDF-SHA256 over the key seed); otherwise it is random and tokens
// die with the process.
func newTokenSecret(identityKey string) ([]byte, error) {
	secret := make([]byte, 32)

	if identityKey != "" {
		priv, err := identity.ParsePrivate(identityKey)
		if err != nil {
			return nil, fmt.Errorf("parse identity key: %w", err)
		}
		salt := make([]byte, 32)
		kdf := hkdf.New(sha256.New, priv.Seed(), salt, []byte("waypost-rest-token"))
		if _, err := io.ReadFull(kdf, secret); err != nil {
			return nil, fmt.Errorf("hkdf: %w", err)
		}
		return secret, nil
	}

	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return secret, nil
}

// issueToken creates a signed bearer token for a REST session.
func issueToken(secret []byte, publicKey string, ttl time.Duration) (token, tokenID string, expiresAt time.Time, err error) {
	expiresAt = time.Now().Add(ttl)
	tokenID = uuid.New().String()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   publicKey,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, tokenID, expiresAt, nil
}

// validateToken verifies a bearer token and returns the claims. For an
// expired token the parsed claims come back alongside the error so the
// caller can revoke the session they name.
func validateToken(secret []byte, tokenString string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return claims, fmt.Errorf("parse jwt: %w", err)
		}
		return nil, fmt.Errorf("parse jwt: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	return claims, nil
}

// Package identity provides hex-encoded Ed25519 key pairs and the
// sign/verify primitives the relay protocol is built on. Public keys
// are 64 lowercase hex characters; private keys are emitted as 128
// characters (seed followed by public key) and accepted as either the
// full form or the bare 64-character seed.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Generate creates a fresh Ed25519 key pair encoded as lowercase hex.
func Generate() (publicKey, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key pair: %w", err)
	}
	return hex.EncodeToString(pub), hex.EncodeToString(priv), nil
}

// ParsePublic decodes a 64-character hex public key.
func ParsePublic(publicKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivate decodes a hex private key. Both the 128-character full
// key and the 64-character seed form are accepted.
func ParsePrivate(privateKey string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("private key is %d bytes, want %d or %d", len(raw), ed25519.PrivateKeySize, ed25519.SeedSize)
	}
}

// PublicFromPrivate derives the hex public key from a hex private key.
func PublicFromPrivate(privateKey string) (string, error) {
	priv, err := ParsePrivate(privateKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

// Sign signs msg with the hex private key and returns the signature
// as lowercase hex.
func Sign(privateKey string, msg []byte) (string, error) {
	priv, err := ParsePrivate(privateKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// Verify reports whether sigHex is a valid signature of msg by the
// hex public key. Malformed keys or signatures verify as false.
func Verify(publicKey string, msg []byte, sigHex string) bool {
	pub, err := ParsePublic(publicKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

package session

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/blake2b"
)

const (
	cookieFormatVersionCurrent = 1
	cookieMACBytes             = 32
	cookieRawBytes             = 1 + TokenBytes + cookieMACBytes

	minKeyBytes = 16
)

// ErrTokenSignature is returned when no configured key authenticates a cookie value.
var ErrTokenSignature = errors.New("session token signature invalid")

var zeroKey = make([]byte, 32)

// Keyring signs session tokens for transport in cookies. Keys are ordered newest
// first; Encode always uses the newest key and Decode accepts any of them, so keys can
// be rotated by prepending.
type Keyring struct {
	keys [][]byte
}

// NewKeyring builds a keyring from keys ordered newest first. An empty keyring signs
// with the all-zero key.
func NewKeyring(keys ...[]byte) (*Keyring, error) {
	kr := &Keyring{keys: make([][]byte, 0, len(keys))}
	for _, k := range keys {
		if len(k) < minKeyBytes || len(k) > blake2b.Size {
			return nil, errors.New("session signing key must be 16..64 bytes")
		}
		kr.keys = append(kr.keys, append([]byte(nil), k...))
	}
	return kr, nil
}

// Len returns the number of configured keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// Encode returns base64url(version || token || MAC(newest key, token)).
func (k *Keyring) Encode(t Token) (string, error) {
	key := zeroKey
	if k != nil && len(k.keys) > 0 {
		key = k.keys[0]
	}
	mac, err := tokenMAC(key, t)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.Grow(cookieRawBytes)
	buf.WriteByte(cookieFormatVersionCurrent)
	buf.Write(t[:])
	buf.Write(mac)

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode verifies and unwraps a value produced by Encode.
func (k *Keyring) Decode(value string) (Token, error) {
	var t Token

	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) != cookieRawBytes {
		return t, ErrTokenMalformed
	}
	if raw[0] != cookieFormatVersionCurrent {
		return t, ErrTokenMalformed
	}
	copy(t[:], raw[1:1+TokenBytes])
	given := raw[1+TokenBytes:]

	candidates := [][]byte{}
	if k != nil {
		candidates = append(candidates, k.keys...)
	}
	candidates = append(candidates, zeroKey)

	for _, key := range candidates {
		expected, err := tokenMAC(key, t)
		if err != nil {
			return Token{}, err
		}
		if subtle.ConstantTimeCompare(expected, given) == 1 {
			return t, nil
		}
	}

	return Token{}, ErrTokenSignature
}

func tokenMAC(key []byte, t Token) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	_, _ = h.Write(t[:])
	return h.Sum(nil), nil
}

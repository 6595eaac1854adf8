package password

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const pepperPrefix = "$pepper$v="

var (
	// ErrUnknownVersion is returned when a stored hash names a scheme version with no
	// configured pepper.
	ErrUnknownVersion = errors.New("password scheme version unknown")
	// ErrPepperKey is returned for pepper keys of the wrong length.
	ErrPepperKey = errors.New("password pepper key must be 32 bytes")
)

// Scheme is the versioned password scheme. Version 0 stores the plain argon2id PHC
// string; version N > 0 stores that PHC string sealed with XChaCha20-Poly1305 under
// pepper N. Current is the only version new hashes are written under.
type Scheme struct {
	argon   *Argon2
	current uint32
	aeads   map[uint32]cipherAEAD
	dummy   string
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewScheme builds a scheme writing under current. peppers maps versions > 0 to
// 32-byte keys and must contain current when current > 0. Older versions stay
// verifiable as long as their pepper remains configured.
func NewScheme(argon *Argon2, current uint32, peppers map[uint32][]byte) (*Scheme, error) {
	if argon == nil {
		return nil, errors.New("argon2 hasher required")
	}

	s := &Scheme{
		argon:   argon,
		current: current,
		aeads:   make(map[uint32]cipherAEAD, len(peppers)),
	}
	for version, key := range peppers {
		if version == 0 {
			return nil, errors.New("scheme version 0 is unpeppered")
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, ErrPepperKey
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, err
		}
		s.aeads[version] = aead
	}
	if current > 0 {
		if _, ok := s.aeads[current]; !ok {
			return nil, fmt.Errorf("%w: current version %d has no pepper", ErrUnknownVersion, current)
		}
	}

	dummy, err := argon.Hash("rfsauth-timing-equalizer")
	if err != nil {
		return nil, err
	}
	s.dummy = dummy

	return s, nil
}

// Current returns the version new hashes are written under.
func (s *Scheme) Current() uint32 {
	return s.current
}

// Hash derives a hash under the current version.
func (s *Scheme) Hash(plaintext string) (string, uint32, error) {
	phc, err := s.argon.Hash(plaintext)
	if err != nil {
		return "", 0, err
	}
	if s.current == 0 {
		return phc, 0, nil
	}
	sealed, err := s.seal(s.current, phc)
	if err != nil {
		return "", 0, err
	}
	return sealed, s.current, nil
}

// Verify checks plaintext against a hash stored under version. needsUpgrade is true
// when the version is older than current or the argon2 parameters are weaker than
// configured; it is only meaningful when match is true.
func (s *Scheme) Verify(plaintext, encoded string, version uint32) (match, needsUpgrade bool, err error) {
	phc := encoded
	if version > 0 {
		phc, err = s.open(version, encoded)
		if err != nil {
			return false, false, err
		}
	}

	match, err = s.argon.Verify(plaintext, phc)
	if err != nil || !match {
		return false, false, err
	}

	if version < s.current {
		return true, true, nil
	}
	weak, err := s.argon.NeedsUpgrade(phc)
	if err != nil {
		return true, false, nil
	}
	return true, weak && version == s.current, nil
}

// DummyVerify runs a full argon2 verification against a fixed hash so that paths
// with no stored credential cost the same as a real mismatch.
func (s *Scheme) DummyVerify(plaintext string) {
	_, _ = s.argon.Verify(plaintext, s.dummy)
}

func additionalData(version uint32) []byte {
	return []byte("rfsauth/password/v" + strconv.FormatUint(uint64(version), 10))
}

func (s *Scheme) seal(version uint32, phc string) (string, error) {
	aead, ok := s.aeads[version]
	if !ok {
		return "", ErrUnknownVersion
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(phc), additionalData(version))
	return pepperPrefix + strconv.FormatUint(uint64(version), 10) + "$" +
		base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (s *Scheme) open(version uint32, encoded string) (string, error) {
	aead, ok := s.aeads[version]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	rest, ok := strings.CutPrefix(encoded, pepperPrefix)
	if !ok {
		return "", ErrMalformedHash
	}
	tag, body, ok := strings.Cut(rest, "$")
	if !ok || tag != strconv.FormatUint(uint64(version), 10) {
		return "", ErrMalformedHash
	}
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil || len(raw) < aead.NonceSize() {
		return "", ErrMalformedHash
	}

	phc, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], additionalData(version))
	if err != nil {
		return "", fmt.Errorf("%w: pepper mismatch", ErrMalformedHash)
	}
	return string(phc), nil
}

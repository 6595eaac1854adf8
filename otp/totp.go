package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	potp "github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// Algorithm names the HMAC hash behind a TOTP factor.
type Algorithm string

const (
	SHA1   Algorithm = "SHA1"
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"
)

const (
	MinDigits = 6
	MaxDigits = 8
	MaxStep   = 300
)

var (
	ErrAlgorithm = errors.New("otp: unsupported algorithm")
	ErrDigits    = errors.New("otp: digits must be between 6 and 8")
	ErrStep      = errors.New("otp: step must be between 1 and 300 seconds")
	ErrSecret    = errors.New("otp: empty secret")
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ParseAlgorithm accepts the algorithm name in any case.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToUpper(strings.TrimSpace(s))) {
	case SHA1:
		return SHA1, nil
	case SHA256:
		return SHA256, nil
	case SHA512:
		return SHA512, nil
	}
	return "", fmt.Errorf("%w: %q", ErrAlgorithm, s)
}

func (a Algorithm) pquerna() (potp.Algorithm, error) {
	switch a {
	case SHA1:
		return potp.AlgorithmSHA1, nil
	case SHA256:
		return potp.AlgorithmSHA256, nil
	case SHA512:
		return potp.AlgorithmSHA512, nil
	}
	return 0, ErrAlgorithm
}

// Params is the shape of a TOTP factor.
type Params struct {
	Algorithm Algorithm
	Step      uint32
	Digits    int
}

// Validate checks Params against the supported ranges.
func (p Params) Validate() error {
	if _, err := p.Algorithm.pquerna(); err != nil {
		return err
	}
	if p.Step < 1 || p.Step > MaxStep {
		return ErrStep
	}
	if p.Digits < MinDigits || p.Digits > MaxDigits {
		return ErrDigits
	}
	return nil
}

// EncodeSecret renders raw secret bytes in unpadded base32.
func EncodeSecret(secret []byte) string {
	return secretEncoding.EncodeToString(secret)
}

// NewSecret draws n random bytes.
func NewSecret(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrSecret
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ComputeCode returns the zero-padded code for the step containing at.
func ComputeCode(secret []byte, p Params, at time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrSecret
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	alg, _ := p.Algorithm.pquerna()
	return totp.GenerateCodeCustom(EncodeSecret(secret), at.UTC(), totp.ValidateOpts{
		Period:    uint(p.Step),
		Digits:    potp.Digits(p.Digits),
		Algorithm: alg,
	})
}

// Counter returns the step counter containing at.
func Counter(p Params, at time.Time) uint64 {
	if p.Step == 0 {
		return 0
	}
	unix := at.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix) / uint64(p.Step)
}

// Verify searches the steps within skew of at for code and reports the matching
// counter. A malformed code is a plain mismatch, never an error.
func Verify(secret []byte, p Params, code string, at time.Time, skew uint32) (uint64, bool, error) {
	if len(secret) == 0 {
		return 0, false, ErrSecret
	}
	if err := p.Validate(); err != nil {
		return 0, false, err
	}

	code = strings.TrimSpace(code)
	if len(code) != p.Digits || !isDigits(code) {
		return 0, false, nil
	}

	alg, _ := p.Algorithm.pquerna()
	opts := hotp.ValidateOpts{Digits: potp.Digits(p.Digits), Algorithm: alg}
	encoded := EncodeSecret(secret)

	base := Counter(p, at)
	var (
		matched uint64
		found   bool
	)
	// Every window position is evaluated so the cost does not depend on where
	// the match sits.
	for offset := -int64(skew); offset <= int64(skew); offset++ {
		c := int64(base) + offset
		if c < 0 {
			continue
		}
		want, err := hotp.GenerateCodeCustom(encoded, uint64(c), opts)
		if err != nil {
			return 0, false, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 && !found {
			matched, found = uint64(c), true
		}
	}
	return matched, found, nil
}

// ProvisioningURI builds the otpauth:// URI authenticator apps scan.
func ProvisioningURI(issuer, account string, secret []byte, p Params) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	alg, _ := p.Algorithm.pquerna()
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(p.Step),
		Secret:      secret,
		Digits:      potp.Digits(p.Digits),
		Algorithm:   alg,
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

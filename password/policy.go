package password

import (
	"errors"
	"unicode/utf8"
)

// ErrPolicy is returned by Policy.Check for a password that violates the policy.
var ErrPolicy = errors.New("password policy violation")

// Policy is the minimum password policy. Extra is an optional caller predicate run
// after the length checks.
type Policy struct {
	MinLength int
	MaxLength int
	Extra     func(plaintext string) error
}

// Check applies the length bounds, counted in runes, then Extra.
func (p Policy) Check(plaintext string) error {
	if !utf8.ValidString(plaintext) {
		return ErrPolicy
	}
	n := utf8.RuneCountInString(plaintext)
	if p.MinLength > 0 && n < p.MinLength {
		return ErrPolicy
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		return ErrPolicy
	}
	if p.Extra != nil {
		if err := p.Extra(plaintext); err != nil {
			return errors.Join(ErrPolicy, err)
		}
	}
	return nil
}

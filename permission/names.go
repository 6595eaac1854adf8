package permission

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Scopes used by the file server. Any other non-empty string is also a valid scope;
// matching is exact and no hierarchy is implied.
const (
	ScopeSecSecrets = "SecSecrets"
	ScopeSecRoles   = "SecRoles"
	ScopeUser       = "User"
	ScopeUserGroup  = "UserGroup"
	ScopeFS         = "Fs"
	ScopeStorage    = "Storage"
)

// Abilities used by the file server.
const (
	AbilityRead  = "Read"
	AbilityWrite = "Write"
)

const maxNameBytes = 256

var ErrInvalidName = errors.New("permission: invalid name")

// ValidateName checks a scope, ability, role or group name: non-empty valid UTF-8,
// at most 256 bytes, no NUL or surrounding whitespace.
func ValidateName(name string) error {
	switch {
	case name == "", len(name) > maxNameBytes:
		return ErrInvalidName
	case !utf8.ValidString(name), strings.IndexByte(name, 0) >= 0:
		return ErrInvalidName
	case strings.TrimSpace(name) != name:
		return ErrInvalidName
	}
	return nil
}

// ValidatePair validates both halves of a scope+ability pair.
func ValidatePair(scope, ability string) error {
	if err := ValidateName(scope); err != nil {
		return err
	}
	return ValidateName(ability)
}

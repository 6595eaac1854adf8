package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"strconv"
	"strings"
)

// BackupCodeAlphabet omits characters that are easy to confuse when typed (0/O, 1/I).
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var ErrBackupLength = errors.New("otp: backup code length must be between 8 and 32")

// NewBackupCode draws length characters from BackupCodeAlphabet.
func NewBackupCode(length int) (string, error) {
	if length < 8 || length > 32 {
		return "", ErrBackupLength
	}
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(BackupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// FormatBackupCode splits a canonical code in two halves joined by a dash.
func FormatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeBackupCode upper-cases the input and strips dashes and spaces. It
// returns "" when anything outside the alphabet remains.
func CanonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return ""
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(BackupCodeAlphabet, s[i]) < 0 {
			return ""
		}
	}
	return s
}

// HashBackupCode binds a canonical code to its identity so equal codes minted for
// two identities never share a hash.
func HashBackupCode(identity int64, canonical string) [32]byte {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(identity))
	data := make([]byte, 0, len(id)+1+len(canonical))
	data = append(data, id[:]...)
	data = append(data, 0)
	data = append(data, canonical...)
	return sha256.Sum256(data)
}

// BackupCodeKey names code index within an epoch.
func BackupCodeKey(epoch string, index int) string {
	return epoch + "/" + strconv.Itoa(index)
}

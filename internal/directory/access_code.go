package directory

import (
	"math/rand/v2"
	"strings"
)

const (
	// AccessCodeAlphabet omits I, O, 0 and 1.
	AccessCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	AccessCodeLength   = 6
)

// CodeGenerator draws a candidate access code. It is swapped in tests to
// force collisions.
type CodeGenerator func() string

func RandomAccessCode() string {
	var b strings.Builder
	b.Grow(AccessCodeLength)
	for range AccessCodeLength {
		b.WriteByte(AccessCodeAlphabet[rand.IntN(len(AccessCodeAlphabet))])
	}
	return b.String()
}

// NormalizeAccessCode uppercases and trims a human-entered code.
func NormalizeAccessCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func IsValidAccessCode(code string) bool {
	if len(code) != AccessCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(AccessCodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

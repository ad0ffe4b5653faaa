package emergencycard

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	// DefaultCodeBytes gives 80 bits of entropy.
	DefaultCodeBytes = 10
	// MinCodeBytes is the 48-bit floor: 12 hex characters.
	MinCodeBytes = 6
	// maxCodeLen bounds what the gateway will even look up.
	maxCodeLen = 64
)

// CodeGenerator produces new access codes. Uniqueness is not its concern;
// the store rejects duplicates and the caller retries.
type CodeGenerator interface {
	Generate() (string, error)
}

// HexCodeGenerator draws Bytes random bytes from a CSPRNG and renders them as
// upper-case hex.
type HexCodeGenerator struct {
	Bytes int
	Rand  io.Reader
}

func NewHexCodeGenerator(n int) *HexCodeGenerator {
	if n < MinCodeBytes {
		n = MinCodeBytes
	}
	return &HexCodeGenerator{Bytes: n, Rand: rand.Reader}
}

func (g *HexCodeGenerator) Generate() (string, error) {
	n := g.Bytes
	if n < MinCodeBytes {
		n = MinCodeBytes
	}
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// wellFormedCode reports whether s could have been produced by a
// HexCodeGenerator. Lookups stay exact-match; this only skips the store for
// obvious garbage.
func wellFormedCode(s string) bool {
	if len(s) < 2*MinCodeBytes || len(s) > maxCodeLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// fingerprint identifies a code in logs without revealing it.
func fingerprint(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:4])
}

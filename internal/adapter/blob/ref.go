// Package blob defines the content-addressed reference format shared by
// the blob store drivers.
//
// A reference names output bytes by their BLAKE2b-256 digest:
//
//	blake2b:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
//
// Identical outputs therefore resolve to the same reference regardless of
// which evaluation produced them, and a reference fetched from any driver
// can be verified against the bytes it returns.
package blob

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/evalbox/evalbox/internal/domain"
)

// Scheme prefixes every blob reference.
const Scheme = "blake2b:"

// hexLen is the length of a hex-encoded BLAKE2b-256 digest.
const hexLen = blake2b.Size256 * 2

// Sum returns the reference for the given bytes.
func Sum(data []byte) string {
	digest := blake2b.Sum256(data)
	return Scheme + hex.EncodeToString(digest[:])
}

// Parse validates ref and returns the bare hex digest.
func Parse(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, Scheme)
	if !ok {
		return "", fmt.Errorf("op=blob.Parse: %w: missing %q prefix", domain.ErrInvalidArgument, Scheme)
	}
	if len(rest) != hexLen {
		return "", fmt.Errorf("op=blob.Parse: %w: digest length %d, want %d", domain.ErrInvalidArgument, len(rest), hexLen)
	}
	if _, err := hex.DecodeString(rest); err != nil {
		return "", fmt.Errorf("op=blob.Parse: %w: digest is not hex", domain.ErrInvalidArgument)
	}
	return rest, nil
}

// Verify reports whether data hashes to ref.
func Verify(ref string, data []byte) bool {
	return Sum(data) == ref
}

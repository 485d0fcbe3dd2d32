// Package hashing computes content fingerprints for duplicate detection.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"dtup/internal/core"
)

// SHA256Hasher streams a file through SHA-256. Archives can be arbitrarily
// large, so the file is never held in memory.
type SHA256Hasher struct{}

var _ core.Hasher = (*SHA256Hasher)(nil)

func NewSHA256Hasher() *SHA256Hasher { return &SHA256Hasher{} }

// Hash returns the lowercase hex SHA-256 digest of the file's full contents.
func (SHA256Hasher) Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

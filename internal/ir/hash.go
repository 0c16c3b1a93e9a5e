package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without old hashes comparing equal to new ones.
const (
	DomainSCDRow = "martsync/scd-row/v1"
)

// hashWithDomain computes a SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RowHash computes the content hash of the tracked subset of row.
// Untracked columns never influence the result, and a missing tracked
// column hashes the same as an explicit NULL.
func RowHash(row Row, tracked []string) (string, error) {
	canonical, err := MarshalCanonical(row.Project(tracked))
	if err != nil {
		return "", fmt.Errorf("row hash: %w", err)
	}
	return hashWithDomain(DomainSCDRow, canonical), nil
}

// MustRowHash is like RowHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRowHash(row Row, tracked []string) string {
	h, err := RowHash(row, tracked)
	if err != nil {
		panic(err)
	}
	return h
}

package ir

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for checksums.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "fecore/snapshot/v1"
	DomainEntry    = "fecore/entry/v1"
)

// Checksum computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func Checksum(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateChecksum returns the checksum of the canonical encoding of a state.
// Two states with equal checksums hold identical records.
func StateChecksum(s State) (string, error) {
	data, err := MarshalCanonical(s)
	if err != nil {
		return "", err
	}
	return Checksum(DomainSnapshot, data), nil
}

package record

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with stored values.
const (
	DomainPayload = "offsync/payload/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint is a stable content hash of the canonical payload. Equal
// payloads always share a fingerprint.
func (p Payload) Fingerprint() string {
	return hashWithDomain(DomainPayload, p)
}

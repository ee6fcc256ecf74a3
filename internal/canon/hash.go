package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future algorithm change.
const (
	DomainFormContent = "formcore/form-content/v1"
	DomainBlob        = "formcore/blob/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the content hash of a structured form mapping.
func ContentHash(m map[string]any) (string, error) {
	data, err := MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return hashWithDomain(DomainFormContent, data), nil
}

// BlobKey returns the content address of a raw attachment payload.
func BlobKey(data []byte) string {
	return hashWithDomain(DomainBlob, data)
}

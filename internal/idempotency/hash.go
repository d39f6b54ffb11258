package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashRequest fingerprints a request body. The value is serialized to
// canonical JSON (object keys sorted, no insignificant whitespace, numbers
// preserved verbatim) and hashed with SHA-256. Equal requests always produce
// equal hashes regardless of field order in the incoming JSON.
func HashRequest(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request for hashing: %w", err)
	}

	// Round-trip through an untyped decode: encoding/json writes map keys
	// in sorted order, which yields the canonical form. UseNumber keeps
	// numeric literals byte-stable.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var norm interface{}
	if err := dec.Decode(&norm); err != nil {
		return "", fmt.Errorf("failed to normalize request for hashing: %w", err)
	}

	canonical, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes fingerprints a raw payload (webhook bodies).
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

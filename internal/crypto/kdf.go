package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF expands ikm into outLen bytes of key material under the given
// domain-separation label (HKDF-SHA256, RFC 5869).
func HKDF(ikm, salt []byte, label string, outLen int) []byte {
	r := hkdf.New(sha256.New, ikm, salt, []byte(label))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable when outLen exceeds the HKDF output bound,
		// which no caller does.
		panic("hkdf: " + err.Error())
	}
	return out
}

// Package memzero wipes key material from byte slices once it is no
// longer needed.
package memzero

import "crypto/subtle"

// Zero fills b with zero bytes. The copy goes through
// subtle.ConstantTimeCopy so the compiler cannot elide it as a dead
// store.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// Package x3dh implements the Extended Triple Diffie-Hellman key
// agreement used to bootstrap a Double Ratchet session from a peer's
// published prekey bundle. The initiator and responder derive the same
// 32-byte shared secret without ever being online at the same time.
package x3dh

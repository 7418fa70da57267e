// Package crypto wraps the primitive operations the protocol layers are
// built on: X25519 key generation and Diffie-Hellman, Ed25519 signing,
// and labelled HKDF expansion.
package crypto

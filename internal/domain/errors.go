package domain

import "errors"

// Protocol errors are fatal to the session they occur on and are never
// retried automatically; the caller re-establishes via a fresh X3DH or
// surfaces the message as undeliverable.
var (
	// ErrInvalidBundle means a bundle's signed-prekey signature did not
	// verify against the peer identity key.
	ErrInvalidBundle = errors.New("invalid prekey bundle")

	// ErrStaleBundle means the bundle's signed prekey has expired.
	ErrStaleBundle = errors.New("stale prekey bundle")

	// ErrReplayedEphemeral means an identical X3DH ephemeral key was
	// reused against this peer.
	ErrReplayedEphemeral = errors.New("replayed ephemeral key")

	// ErrReplayedMessage means a message counter at or below an already
	// consumed value arrived with no cached skipped key to satisfy it.
	ErrReplayedMessage = errors.New("replayed message")

	// ErrRatchetDesync means the ratchet cannot derive the advertised
	// chain position; only a fresh X3DH recovers the conversation.
	ErrRatchetDesync = errors.New("ratchet out of sync")
)

// Integrity errors.
var (
	// ErrDecryptionFailed is a bad AEAD tag. Never retried, logged
	// without plaintext, rendered as a placeholder upstream.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Resource errors. ErrLocked clears after re-authentication;
// ErrKeyExhausted degrades establishment to 3-DH rather than failing.
var (
	ErrNotFound        = errors.New("not found")
	ErrLocked          = errors.New("key store locked")
	ErrKeyExhausted    = errors.New("one-time prekeys exhausted")
	ErrVersionMismatch = errors.New("session version mismatch")
	ErrWiped           = errors.New("key material wiped")
)

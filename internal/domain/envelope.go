package domain

// EnvelopeType distinguishes session-establishing messages from ordinary
// ratchet messages.
type EnvelopeType byte

const (
	// EnvelopePreKey carries a PreKey header and bootstraps a session.
	EnvelopePreKey EnvelopeType = 1
	// EnvelopeRatchet carries only a ratchet header.
	EnvelopeRatchet EnvelopeType = 2
)

// Envelope is the opaque unit the transport stores and forwards. Header
// and Ciphertext are wire-encoded; the relay never interprets them.
type Envelope struct {
	ID         string       `json:"id"`
	From       Address      `json:"from"`
	To         Address      `json:"to"`
	Type       EnvelopeType `json:"type"`
	Header     []byte       `json:"header"`
	Ciphertext []byte       `json:"ciphertext"`
	SentAt     int64        `json:"sent_at"`
}

package domain

// SkippedKey is a message key derived for a not-yet-delivered message,
// cached so out-of-order delivery still decrypts. Once used it is removed
// and a redelivery of the same counter is rejected.
type SkippedKey struct {
	RatchetKey X25519Public `json:"ratchet_key"`
	N          uint32       `json:"n"`
	MessageKey []byte       `json:"mk"`
}

// PrevChain records a retired peer ratchet key and the final length of
// its receiving chain. Counters on a retired chain can only be satisfied
// from the skipped-key cache.
type PrevChain struct {
	RatchetKey X25519Public `json:"ratchet_key"`
	Len        uint32       `json:"len"`
}

// RatchetState is the mutable Double Ratchet state for one session.
// Root and chain keys are forward-only; no earlier key is reconstructable
// from a later state.
type RatchetState struct {
	RootKey []byte `json:"root_key"`

	DHPriv     X25519Private `json:"dh_priv"`
	DHPub      X25519Public  `json:"dh_pub"`
	PeerDHPub  X25519Public  `json:"peer_dh_pub"`
	HasPeerKey bool          `json:"has_peer_key"`

	SendKey   []byte `json:"send_key,omitempty"`
	SendN     uint32 `json:"send_n"`
	PrevSendN uint32 `json:"prev_send_n"`

	RecvKey []byte `json:"recv_key,omitempty"`
	RecvN   uint32 `json:"recv_n"`

	Prev    []PrevChain  `json:"prev,omitempty"`
	Skipped []SkippedKey `json:"skipped,omitempty"`
}

// Handshake is the initiator-side X3DH material replayed in PreKey
// headers until the peer's first reply confirms the session.
type Handshake struct {
	EphemeralKey    X25519Public     `json:"ephemeral_key"`
	SignedPreKeyID  SignedPreKeyID   `json:"signed_prekey_id"`
	OneTimePreKeyID *OneTimePreKeyID `json:"one_time_prekey_id,omitempty"`
}

// Session is the per-(local device, peer device) protocol state. Sessions
// are referenced by Address, never by pointer, and are never shared
// across devices.
type Session struct {
	ID   string  `json:"id"`
	Peer Address `json:"peer"`

	PeerIdentityKey X25519Public  `json:"peer_identity_key"`
	PeerSigningKey  Ed25519Public `json:"peer_signing_key,omitempty"`

	// AD is the associated data binding every ciphertext to this
	// session: initiator identity key followed by responder identity
	// key, identical on both ends.
	AD []byte `json:"ad"`

	Ratchet RatchetState `json:"ratchet"`
	Pending *Handshake   `json:"pending,omitempty"`

	CreatedAt int64 `json:"created_at"`

	// Version is the store's compare-and-swap counter; every persisted
	// write increments it.
	Version uint64 `json:"version"`
}

// RatchetHeader is the per-message ratchet advertisement.
type RatchetHeader struct {
	RatchetKey   X25519Public
	Counter      uint32
	PrevChainLen uint32
}

// PreKeyHeader accompanies the first ciphertexts of a session so the
// responder can replay the X3DH derivation.
type PreKeyHeader struct {
	IdentityKey     X25519Public
	EphemeralKey    X25519Public
	SignedPreKeyID  SignedPreKeyID
	OneTimePreKeyID *OneTimePreKeyID

	RatchetKey   X25519Public
	Counter      uint32
	PrevChainLen uint32
}

// Ratchet returns the ratchet portion of a PreKey header.
func (h PreKeyHeader) Ratchet() RatchetHeader {
	return RatchetHeader{
		RatchetKey:   h.RatchetKey,
		Counter:      h.Counter,
		PrevChainLen: h.PrevChainLen,
	}
}

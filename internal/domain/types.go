package domain

// UserID names an account in the directory.
type UserID string

// DeviceID names one provisioned device belonging to a user.
type DeviceID string

// Address is a (user, device) routing pair.
type Address struct {
	User   UserID   `json:"user"`
	Device DeviceID `json:"device"`
}

// RegistrationID is a random per-device identifier published in bundles.
type RegistrationID uint32

// SignedPreKeyID identifies a signed prekey; allocated monotonically.
type SignedPreKeyID uint32

// OneTimePreKeyID identifies a one-time prekey; allocated monotonically
// and never reused.
type OneTimePreKeyID uint32

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether p is the all-zero value, which is never a valid
// public key on the wire.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

func (p Ed25519Public) Slice() []byte { return p[:] }

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

func (k Ed25519Private) Slice() []byte { return k[:] }

// Identity holds the long-term per-device key material. It is created
// once at provisioning and never rotated.
type Identity struct {
	User         UserID
	Device       DeviceID
	Registration RegistrationID

	DHPub   X25519Public
	DHPriv  X25519Private
	SigPub  Ed25519Public
	SigPriv Ed25519Private
}

// SignedPreKey is a medium-term prekey signed by the identity key.
// At most one is active; superseded keys are kept only long enough to
// decrypt in-flight PreKey messages.
type SignedPreKey struct {
	ID        SignedPreKeyID
	Pub       X25519Public
	Priv      X25519Private
	Signature []byte
	CreatedAt int64 // unix seconds
}

// OneTimePreKey is consumed at most once during X3DH.
type OneTimePreKey struct {
	ID   OneTimePreKeyID
	Pub  X25519Public
	Priv X25519Private
}

// OneTimePreKeyPublic is the publishable half of a one-time prekey.
type OneTimePreKeyPublic struct {
	ID  OneTimePreKeyID `json:"id"`
	Pub X25519Public    `json:"pub"`
}

// PreKeyBundle is the published, purely public snapshot a peer fetches to
// start a session. It is immutable once issued; the one-time entry is
// handed to the first consumer by the directory.
type PreKeyBundle struct {
	Registration          RegistrationID `json:"registration_id"`
	IdentityKey           X25519Public   `json:"identity_key"`
	SigningKey            Ed25519Public  `json:"signing_key"`
	SignedPreKeyID        SignedPreKeyID `json:"signed_prekey_id"`
	SignedPreKey          X25519Public   `json:"signed_prekey"`
	SignedPreKeySignature []byte         `json:"signed_prekey_sig"`
	SignedPreKeyCreatedAt int64          `json:"signed_prekey_created_at"`

	OneTimePreKeyID *OneTimePreKeyID `json:"one_time_prekey_id,omitempty"`
	OneTimePreKey   *X25519Public    `json:"one_time_prekey,omitempty"`
}

// SafetyNumber is the derived, non-secret fingerprint shown to users for
// out-of-band verification. It is always recomputable from the two
// identity keys and never authoritative storage.
type SafetyNumber struct {
	Value      string `json:"value"`
	Verified   bool   `json:"verified"`
	VerifiedAt int64  `json:"verified_at,omitempty"`
}

package x3dh

import (
	"fmt"

	"sealbox/internal/crypto"
	"sealbox/internal/domain"
	"sealbox/internal/util/memzero"
)

// kdfLabel domain-separates the shared-secret derivation.
const kdfLabel = "sealbox/x3dh/v1"

// InitiatorResult carries the derived secret plus the material the first
// PreKey header must advertise so the responder can replay the
// derivation.
type InitiatorResult struct {
	SharedKey    []byte
	EphemeralKey domain.X25519Public
	UsedOneTime  *domain.OneTimePreKeyID
}

// Initiate verifies the bundle signature, generates a fresh ephemeral
// pair and derives the shared secret:
//
//	DH1 = DH(IK_local, SPK_peer)
//	DH2 = DH(EK_local, IK_peer)
//	DH3 = DH(EK_local, SPK_peer)
//	DH4 = DH(EK_local, OPK_peer)   when a one-time prekey is present
//
// SK = HKDF(DH1 || DH2 || DH3 || [DH4]). A bundle without a one-time
// prekey still succeeds in 3-DH mode with reduced forward secrecy.
func Initiate(id domain.Identity, bundle domain.PreKeyBundle) (InitiatorResult, error) {
	if !crypto.VerifyEd25519(bundle.SigningKey, bundle.SignedPreKey[:], bundle.SignedPreKeySignature) {
		return InitiatorResult{}, fmt.Errorf("signed prekey %d: %w",
			bundle.SignedPreKeyID, domain.ErrInvalidBundle)
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return InitiatorResult{}, err
	}
	defer memzero.Zero(ephPriv[:])

	dh1, err := crypto.DH(id.DHPriv, bundle.SignedPreKey)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityKey)
	if err != nil {
		return InitiatorResult{}, err
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPreKey)
	if err != nil {
		return InitiatorResult{}, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	var used *domain.OneTimePreKeyID
	if bundle.OneTimePreKey != nil && bundle.OneTimePreKeyID != nil {
		dh4, err := crypto.DH(ephPriv, *bundle.OneTimePreKey)
		if err != nil {
			return InitiatorResult{}, err
		}
		concat = append(concat, dh4[:]...)
		memzero.Zero(dh4[:])
		opk := *bundle.OneTimePreKeyID
		used = &opk
	}

	sk := crypto.HKDF(concat, nil, kdfLabel, 32)
	memzero.Zero(concat)
	memzero.Zero(dh1[:])
	memzero.Zero(dh2[:])
	memzero.Zero(dh3[:])

	return InitiatorResult{SharedKey: sk, EphemeralKey: ephPub, UsedOneTime: used}, nil
}

// Respond performs the mirrored derivation from a received PreKey
// header. opkPriv is nil when the one-time prekey was already deleted; a
// race there still yields a valid 3-DH session.
func Respond(id domain.Identity, spkPriv domain.X25519Private, opkPriv *domain.X25519Private, h domain.PreKeyHeader) ([]byte, error) {
	dh1, err := crypto.DH(spkPriv, h.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(id.DHPriv, h.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spkPriv, h.EphemeralKey)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if opkPriv != nil {
		dh4, err := crypto.DH(*opkPriv, h.EphemeralKey)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
		memzero.Zero(dh4[:])
	}

	sk := crypto.HKDF(concat, nil, kdfLabel, 32)
	memzero.Zero(concat)
	memzero.Zero(dh1[:])
	memzero.Zero(dh2[:])
	memzero.Zero(dh3[:])
	return sk, nil
}

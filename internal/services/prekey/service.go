// Package prekey generates the device's prekeys and assembles the
// publishable bundle. One-time prekey ids are strictly increasing and
// never reused; the builder refuses to publish an unsigned or expired
// signed prekey.
package prekey

import (
	"errors"
	"fmt"

	"github.com/decred/slog"

	"sealbox/internal/clock"
	"sealbox/internal/crypto"
	"sealbox/internal/domain"
	"sealbox/internal/keystore"
)

// Config tunes rotation and bundle policy.
type Config struct {
	// SPKMaxAge is how long a signed prekey may be published before it
	// must be rotated.
	SPKMaxAge int64 // seconds

	// SPKRetireAfter is how long superseded signed prekeys are kept to
	// decrypt in-flight PreKey messages.
	SPKRetireAfter int64 // seconds
}

// DefaultConfig matches a weekly rotation with a two-rotation grace
// window for in-flight messages.
func DefaultConfig() Config {
	const week = 7 * 24 * 3600
	return Config{SPKMaxAge: week, SPKRetireAfter: 2 * week}
}

// Service builds bundles and maintains the prekey pools.
type Service struct {
	ks  *keystore.Store
	clk clock.Clock
	cfg Config
	log slog.Logger
}

func New(ks *keystore.Store, clk clock.Clock, cfg Config, log slog.Logger) *Service {
	return &Service{ks: ks, clk: clk, cfg: cfg, log: log}
}

// BuildBundle returns the current publishable bundle: the active signed
// prekey plus the lowest unused one-time prekey. When the one-time pool
// is exhausted the bundle is still valid; X3DH degrades to 3-DH.
func (s *Service) BuildBundle() (domain.PreKeyBundle, error) {
	id, err := s.ks.Identity()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	spk, err := s.ks.ActiveSignedPreKey()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if len(spk.Signature) == 0 || !crypto.VerifyEd25519(id.SigPub, spk.Pub[:], spk.Signature) {
		return domain.PreKeyBundle{}, fmt.Errorf("signed prekey %d unsigned or corrupt: %w",
			spk.ID, domain.ErrInvalidBundle)
	}
	if s.clk.Now().Unix()-spk.CreatedAt > s.cfg.SPKMaxAge {
		return domain.PreKeyBundle{}, fmt.Errorf("signed prekey %d expired: %w",
			spk.ID, domain.ErrStaleBundle)
	}

	b := domain.PreKeyBundle{
		Registration:          id.Registration,
		IdentityKey:           id.DHPub,
		SigningKey:            id.SigPub,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Pub,
		SignedPreKeySignature: spk.Signature,
		SignedPreKeyCreatedAt: spk.CreatedAt,
	}

	opks, err := s.ks.OneTimePreKeys()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if len(opks) > 0 {
		lowest := opks[0]
		b.OneTimePreKeyID = &lowest.ID
		pub := lowest.Pub
		b.OneTimePreKey = &pub
	} else {
		s.log.Debugf("one-time prekeys exhausted, publishing 3-DH bundle")
	}
	return b, nil
}

// Replenish generates count fresh one-time prekeys with strictly
// increasing ids and returns their public halves.
func (s *Service) Replenish(count int) ([]domain.OneTimePreKeyPublic, error) {
	ids, err := s.ks.AllocateOneTimePreKeyIDs(count)
	if err != nil {
		return nil, err
	}
	keys := make([]domain.OneTimePreKey, 0, count)
	pubs := make([]domain.OneTimePreKeyPublic, 0, count)
	for _, kid := range ids {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		keys = append(keys, domain.OneTimePreKey{ID: kid, Pub: pub, Priv: priv})
		pubs = append(pubs, domain.OneTimePreKeyPublic{ID: kid, Pub: pub})
	}
	if err := s.ks.PutOneTimePreKeys(keys); err != nil {
		return nil, err
	}
	s.log.Infof("replenished %d one-time prekeys", count)
	return pubs, nil
}

// RotateSignedPreKey signs and activates a fresh signed prekey and
// prunes superseded ones past the retirement window.
func (s *Service) RotateSignedPreKey() (domain.SignedPreKey, error) {
	id, err := s.ks.Identity()
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	spkID, err := s.ks.AllocateSignedPreKeyID()
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	spk := domain.SignedPreKey{
		ID:        spkID,
		Pub:       pub,
		Priv:      priv,
		Signature: crypto.SignEd25519(id.SigPriv, pub[:]),
		CreatedAt: s.clk.Now().Unix(),
	}
	if err := s.ks.PutSignedPreKey(spk, true); err != nil {
		return domain.SignedPreKey{}, err
	}
	if err := s.ks.PruneSignedPreKeys(s.clk.Now().Unix() - s.cfg.SPKRetireAfter); err != nil {
		return domain.SignedPreKey{}, err
	}
	s.log.Infof("rotated signed prekey to id %d", spkID)
	return spk, nil
}

// RotationDue reports whether the active signed prekey has outlived its
// schedule (or no key exists yet).
func (s *Service) RotationDue() (bool, error) {
	spk, err := s.ks.ActiveSignedPreKey()
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return s.clk.Now().Unix()-spk.CreatedAt > s.cfg.SPKMaxAge, nil
}

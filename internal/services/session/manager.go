// Package session orchestrates per-(local device, peer device) ratchet
// sessions: multi-device fan-out on send, responder bootstrap on
// receive, and prekey replenishment when the local pool runs low.
//
// Session mutation is serialized per peer device; a ratchet advance
// commits to the key store (compare-and-swap on the session version)
// only after its ciphertext or plaintext has been fully produced.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"sealbox/internal/clock"
	"sealbox/internal/domain"
	"sealbox/internal/keystore"
	"sealbox/internal/protocol/ratchet"
	"sealbox/internal/protocol/x3dh"
	"sealbox/internal/services/prekey"
	"sealbox/internal/wire"
)

// Config tunes fan-out and replenishment behaviour.
type Config struct {
	// ReplenishThreshold triggers an async replenish when the local
	// one-time prekey count drops below it.
	ReplenishThreshold int

	// ReplenishBatch is how many one-time prekeys each replenish
	// generates.
	ReplenishBatch int

	// SPKMaxAge bounds the age of a peer's signed prekey before its
	// bundle is rejected as stale, in seconds.
	SPKMaxAge int64
}

func DefaultConfig() Config {
	return Config{
		ReplenishThreshold: 20,
		ReplenishBatch:     100,
		SPKMaxAge:          7 * 24 * 3600,
	}
}

// Manager routes messages through the correct per-device ratchet.
type Manager struct {
	ks      *keystore.Store
	dir     domain.Directory
	prekeys *prekey.Service
	clk     clock.Clock
	cfg     Config
	log     slog.Logger

	mu    sync.Mutex
	locks map[domain.Address]*sync.Mutex

	replenishing atomic.Bool
}

func New(ks *keystore.Store, dir domain.Directory, pk *prekey.Service,
	clk clock.Clock, cfg Config, log slog.Logger) *Manager {
	return &Manager{
		ks:      ks,
		dir:     dir,
		prekeys: pk,
		clk:     clk,
		cfg:     cfg,
		log:     log,
		locks:   make(map[domain.Address]*sync.Mutex),
	}
}

// sessionLock returns the single-writer mutex for a peer device.
func (m *Manager) sessionLock(addr domain.Address) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		m.locks[addr] = l
	}
	return l
}

// EncryptForUser encrypts plaintext once per current device of the peer,
// establishing sessions via X3DH where none exist. It returns one
// envelope per device.
func (m *Manager) EncryptForUser(ctx context.Context, peer domain.UserID, plaintext []byte) ([]domain.Envelope, error) {
	devices, err := m.dir.GetDeviceList(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("device list for %s: %w", peer, err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices for %s: %w", peer, domain.ErrNotFound)
	}

	id, err := m.ks.Identity()
	if err != nil {
		return nil, err
	}

	envs := make([]domain.Envelope, 0, len(devices))
	for _, dev := range devices {
		addr := domain.Address{User: peer, Device: dev}
		env, err := m.encryptForDevice(ctx, id, addr, plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypt for %s/%s: %w", peer, dev, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (m *Manager) encryptForDevice(ctx context.Context, id domain.Identity,
	addr domain.Address, plaintext []byte) (domain.Envelope, error) {

	l := m.sessionLock(addr)
	l.Lock()
	defer l.Unlock()

	sess, err := m.ks.Session(addr)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		sess, err = m.establishInitiator(ctx, id, addr)
		if err != nil {
			return domain.Envelope{}, err
		}
	default:
		return domain.Envelope{}, err
	}

	h, ct, err := ratchet.Encrypt(&sess.Ratchet, sess.AD, plaintext)
	if err != nil {
		return domain.Envelope{}, err
	}

	// The advance is not yet persisted; a cancelled call leaves the
	// stored session exactly as it was.
	if err := ctx.Err(); err != nil {
		return domain.Envelope{}, err
	}

	env := domain.Envelope{
		ID:     uuid.NewString(),
		From:   domain.Address{User: id.User, Device: id.Device},
		To:     addr,
		SentAt: m.clk.Now().Unix(),
	}
	if sess.Pending != nil {
		// Replay the handshake until the peer's first reply confirms
		// the session on their end.
		env.Type = domain.EnvelopePreKey
		env.Header = wire.EncodePreKeyHeader(domain.PreKeyHeader{
			IdentityKey:     id.DHPub,
			EphemeralKey:    sess.Pending.EphemeralKey,
			SignedPreKeyID:  sess.Pending.SignedPreKeyID,
			OneTimePreKeyID: sess.Pending.OneTimePreKeyID,
			RatchetKey:      h.RatchetKey,
			Counter:         h.Counter,
			PrevChainLen:    h.PrevChainLen,
		})
	} else {
		env.Type = domain.EnvelopeRatchet
		env.Header = wire.EncodeRatchetHeader(h)
	}
	env.Ciphertext = ct

	if err := m.ks.PutSession(sess); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

// establishInitiator runs X3DH against the peer's published bundle and
// seeds a fresh sending ratchet.
func (m *Manager) establishInitiator(ctx context.Context, id domain.Identity,
	addr domain.Address) (domain.Session, error) {

	bundle, err := m.dir.FetchBundle(ctx, addr)
	if err != nil {
		return domain.Session{}, fmt.Errorf("fetch bundle: %w", err)
	}
	if m.cfg.SPKMaxAge > 0 && bundle.SignedPreKeyCreatedAt > 0 &&
		m.clk.Now().Unix()-bundle.SignedPreKeyCreatedAt > m.cfg.SPKMaxAge {
		return domain.Session{}, fmt.Errorf("signed prekey %d from %s: %w",
			bundle.SignedPreKeyID, addr.User, domain.ErrStaleBundle)
	}

	// Claim the one-time entry before deriving with it. Losing the
	// claim race is not fatal: establishment degrades to 3-DH.
	if bundle.OneTimePreKeyID != nil {
		claimed, err := m.dir.ConsumeOneTimePreKey(ctx, addr, *bundle.OneTimePreKeyID)
		if err != nil {
			return domain.Session{}, fmt.Errorf("claim one-time prekey: %w", err)
		}
		if !claimed {
			m.log.Debugf("one-time prekey %d at %s/%s already claimed, using 3-DH",
				*bundle.OneTimePreKeyID, addr.User, addr.Device)
			bundle.OneTimePreKeyID = nil
			bundle.OneTimePreKey = nil
		}
	}

	res, err := x3dh.Initiate(id, bundle)
	if err != nil {
		return domain.Session{}, err
	}
	rst, err := ratchet.Initiate(res.SharedKey, bundle.SignedPreKey)
	if err != nil {
		return domain.Session{}, err
	}

	return domain.Session{
		ID:              uuid.NewString(),
		Peer:            addr,
		PeerIdentityKey: bundle.IdentityKey,
		PeerSigningKey:  bundle.SigningKey,
		AD:              sessionAD(id.DHPub, bundle.IdentityKey),
		Ratchet:         rst,
		Pending: &domain.Handshake{
			EphemeralKey:    res.EphemeralKey,
			SignedPreKeyID:  bundle.SignedPreKeyID,
			OneTimePreKeyID: res.UsedOneTime,
		},
		CreatedAt: m.clk.Now().Unix(),
	}, nil
}

// DecryptFromDevice routes an envelope to the matching session,
// transparently establishing the responder side when a PreKey message
// arrives for an unknown session.
func (m *Manager) DecryptFromDevice(ctx context.Context, from domain.Address, env domain.Envelope) ([]byte, error) {
	l := m.sessionLock(from)
	l.Lock()
	defer l.Unlock()

	id, err := m.ks.Identity()
	if err != nil {
		return nil, err
	}

	var (
		sess      domain.Session
		rh        domain.RatchetHeader
		usedOPK   bool
		handshake *domain.PreKeyHeader
	)
	sess, err = m.ks.Session(from)
	switch {
	case err == nil:
		rh, err = m.ratchetHeader(env)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, domain.ErrNotFound):
		if env.Type != domain.EnvelopePreKey {
			return nil, fmt.Errorf("no session with %s/%s: %w",
				from.User, from.Device, domain.ErrRatchetDesync)
		}
		var h domain.PreKeyHeader
		sess, h, usedOPK, err = m.establishResponder(id, from, env)
		if err != nil {
			return nil, err
		}
		rh = h.Ratchet()
		handshake = &h
	default:
		return nil, err
	}

	pt, err := ratchet.Decrypt(&sess.Ratchet, sess.AD, rh, env.Ciphertext)
	if err != nil {
		// A PreKey envelope the existing session cannot open means the
		// peer discarded its state and started a new handshake. Replays
		// are still caught by the seen-ephemeral record.
		recoverable := errors.Is(err, domain.ErrDecryptionFailed) || errors.Is(err, domain.ErrRatchetDesync)
		if handshake != nil || env.Type != domain.EnvelopePreKey || !recoverable {
			return nil, err
		}
		m.log.Infof("session with %s/%s superseded by a new handshake", from.User, from.Device)
		oldVersion := sess.Version
		var h domain.PreKeyHeader
		sess, h, usedOPK, err = m.establishResponder(id, from, env)
		if err != nil {
			return nil, err
		}
		sess.Version = oldVersion
		rh = h.Ratchet()
		handshake = &h
		pt, err = ratchet.Decrypt(&sess.Ratchet, sess.AD, rh, env.Ciphertext)
		if err != nil {
			return nil, err
		}
	}

	// The peer has our latest ratchet key; stop replaying the
	// handshake.
	sess.Pending = nil

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.ks.PutSession(sess); err != nil {
		return nil, err
	}

	// The handshake's side effects commit only after its first message
	// has both decrypted and been stored. Recording the ephemeral or
	// deleting the one-time prekey any earlier would let a tampered
	// envelope wedge the pending handshake for good.
	if handshake != nil {
		if _, err := m.ks.MarkEphemeralSeen(from, handshake.EphemeralKey); err != nil {
			return nil, err
		}
		if usedOPK {
			if _, err := m.ks.ConsumeOneTimePreKey(*handshake.OneTimePreKeyID); err != nil {
				return nil, err
			}
			m.maybeReplenish(ctx)
		}
	}
	return pt, nil
}

// ratchetHeader extracts the ratchet portion of either header kind.
func (m *Manager) ratchetHeader(env domain.Envelope) (domain.RatchetHeader, error) {
	switch env.Type {
	case domain.EnvelopePreKey:
		h, err := wire.DecodePreKeyHeader(env.Header)
		if err != nil {
			return domain.RatchetHeader{}, err
		}
		return h.Ratchet(), nil
	case domain.EnvelopeRatchet:
		return wire.DecodeRatchetHeader(env.Header)
	default:
		return domain.RatchetHeader{}, fmt.Errorf("unknown envelope type %d", env.Type)
	}
}

// establishResponder replays the X3DH derivation from a PreKey header.
// It only reads keystore state; the caller commits the replay record and
// the one-time prekey deletion once the first message decrypts. If the
// referenced one-time prekey is already gone the session still
// establishes in 3-DH mode.
func (m *Manager) establishResponder(id domain.Identity, from domain.Address,
	env domain.Envelope) (domain.Session, domain.PreKeyHeader, bool, error) {

	h, err := wire.DecodePreKeyHeader(env.Header)
	if err != nil {
		return domain.Session{}, domain.PreKeyHeader{}, false, err
	}

	seen, err := m.ks.EphemeralSeen(from, h.EphemeralKey)
	if err != nil {
		return domain.Session{}, domain.PreKeyHeader{}, false, err
	}
	if seen {
		return domain.Session{}, domain.PreKeyHeader{}, false,
			fmt.Errorf("ephemeral key from %s/%s: %w", from.User, from.Device, domain.ErrReplayedEphemeral)
	}

	spk, err := m.ks.SignedPreKey(h.SignedPreKeyID)
	if err != nil {
		return domain.Session{}, domain.PreKeyHeader{}, false,
			fmt.Errorf("signed prekey %d: %w", h.SignedPreKeyID, err)
	}

	var (
		opkPriv *domain.X25519Private
		usedOPK bool
	)
	if h.OneTimePreKeyID != nil {
		opk, err := m.ks.OneTimePreKey(*h.OneTimePreKeyID)
		switch {
		case err == nil:
			opkPriv = &opk.Priv
			usedOPK = true
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrKeyExhausted):
			// Already deleted; continue in 3-DH mode.
			m.log.Warnf("one-time prekey %d referenced by %s/%s already consumed",
				*h.OneTimePreKeyID, from.User, from.Device)
		default:
			return domain.Session{}, domain.PreKeyHeader{}, false, err
		}
	}

	sk, err := x3dh.Respond(id, spk.Priv, opkPriv, h)
	if err != nil {
		return domain.Session{}, domain.PreKeyHeader{}, false, err
	}

	sess := domain.Session{
		ID:              uuid.NewString(),
		Peer:            from,
		PeerIdentityKey: h.IdentityKey,
		AD:              sessionAD(h.IdentityKey, id.DHPub),
		Ratchet:         ratchet.Respond(sk, spk.Priv, spk.Pub),
		CreatedAt:       m.clk.Now().Unix(),
	}
	return sess, h, usedOPK, nil
}

// ResetSessions discards all ratchet state with a peer; the next
// exchange re-establishes via fresh X3DH.
func (m *Manager) ResetSessions(peer domain.UserID) error {
	sessions, err := m.ks.SessionsForUser(peer)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		l := m.sessionLock(sess.Peer)
		l.Lock()
		err := m.ks.DeleteSession(sess.Peer)
		l.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Address returns an identity's routing address.
func Address(id domain.Identity) domain.Address {
	return domain.Address{User: id.User, Device: id.Device}
}

// sessionAD binds ciphertexts to the session: initiator identity key
// followed by responder identity key, identical on both ends.
func sessionAD(initiator, responder domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiator[:]...)
	ad = append(ad, responder[:]...)
	return ad
}

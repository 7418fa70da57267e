package ratchet

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"sealbox/internal/crypto"
	"sealbox/internal/domain"
	"sealbox/internal/util/memzero"
)

const (
	// MaxSkipped bounds the skipped-key cache; the oldest entry is
	// evicted on overflow.
	MaxSkipped = 1000

	// maxSkipAhead bounds how far a single message may advance a chain.
	// Beyond this the chain position is considered underivable.
	maxSkipAhead = 1000

	// maxPrevChains bounds how many retired peer ratchet keys are
	// remembered for late out-of-order deliveries.
	maxPrevChains = 8

	rootLabel  = "sealbox/dr/root"
	chainLabel = "sealbox/dr/chain"
	msgLabel   = "sealbox/dr/msg"
)

// Initiate seeds a sending chain from the X3DH secret, using the peer's
// signed prekey as the first ratchet key.
func Initiate(root []byte, peerRatchet domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerRatchet)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRoot, sendKey := kdfRoot(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:    newRoot,
		DHPriv:     priv,
		DHPub:      pub,
		PeerDHPub:  peerRatchet,
		HasPeerKey: true,
		SendKey:    sendKey,
	}, nil
}

// Respond seeds responder state from the X3DH secret with the signed
// prekey pair as the current ratchet key. No chains exist until the first
// message from the initiator arrives.
func Respond(root []byte, ratchetPriv domain.X25519Private, ratchetPub domain.X25519Public) domain.RatchetState {
	return domain.RatchetState{
		RootKey: append([]byte(nil), root...),
		DHPriv:  ratchetPriv,
		DHPub:   ratchetPub,
	}
}

// Encrypt advances the sending chain by one message key and seals
// plaintext under it. On the first send after a received ratchet step it
// first generates a fresh DH pair and advances the root.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendKey) == 0 {
		if !st.HasPeerKey {
			return domain.RatchetHeader{}, nil, fmt.Errorf("no peer ratchet key: %w", domain.ErrRatchetDesync)
		}
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(priv, st.PeerDHPub)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		newRoot, sendKey := kdfRoot(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		st.RootKey = newRoot
		st.DHPriv, st.DHPub = priv, pub
		st.SendKey = sendKey
		st.PrevSendN = st.SendN
		st.SendN = 0
	}

	mk := kdfMessage(&st.SendKey)
	h := domain.RatchetHeader{
		RatchetKey:   st.DHPub,
		Counter:      st.SendN,
		PrevChainLen: st.PrevSendN,
	}
	ct := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	st.SendN++
	return h, ct, nil
}

// Decrypt opens a ciphertext, stepping the DH ratchet when the header
// advertises a new peer key and consulting the skipped-key cache for
// out-of-order counters. State mutates only on success.
func Decrypt(st *domain.RatchetState, ad []byte, h domain.RatchetHeader, ct []byte) ([]byte, error) {
	next := clone(st)
	pt, err := decrypt(&next, ad, h, ct)
	if err != nil {
		return nil, err
	}
	*st = next
	return pt, nil
}

func decrypt(st *domain.RatchetState, ad []byte, h domain.RatchetHeader, ct []byte) ([]byte, error) {
	prev, retired := prevChain(st, h.RatchetKey)
	switch {
	case st.HasPeerKey && h.RatchetKey == st.PeerDHPub:
		// Current receiving chain.
		if h.Counter < st.RecvN {
			return openSkipped(st, ad, h, ct)
		}
	case retired:
		// A chain we already ratcheted past closed at prev.Len, so no
		// higher counter ever existed on it; only a cached skipped key
		// can satisfy the rest.
		if h.Counter >= prev.Len {
			return nil, fmt.Errorf("counter %d on a chain retired at %d: %w",
				h.Counter, prev.Len, domain.ErrRatchetDesync)
		}
		return openSkipped(st, ad, h, ct)
	default:
		// New peer ratchet key: close out the current chain, then step.
		if err := skipUntil(st, h.PrevChainLen); err != nil {
			return nil, err
		}
		if err := dhStep(st, h.RatchetKey); err != nil {
			return nil, err
		}
	}

	if err := skipUntil(st, h.Counter); err != nil {
		return nil, err
	}
	if len(st.RecvKey) == 0 {
		return nil, fmt.Errorf("no receiving chain: %w", domain.ErrRatchetDesync)
	}
	mk := kdfMessage(&st.RecvKey)
	pt, err := open(mk, h, ad, ct)
	memzero.Zero(mk)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	st.RecvN = h.Counter + 1
	return pt, nil
}

// dhStep retires the current receiving chain and derives the new one
// from the advertised peer key. The send chain is invalidated so the
// next Encrypt mixes in a fresh DH pair.
func dhStep(st *domain.RatchetState, peer domain.X25519Public) error {
	if st.HasPeerKey {
		st.Prev = append(st.Prev, domain.PrevChain{RatchetKey: st.PeerDHPub, Len: st.RecvN})
		if len(st.Prev) > maxPrevChains {
			st.Prev = st.Prev[len(st.Prev)-maxPrevChains:]
		}
	}

	dh, err := crypto.DH(st.DHPriv, peer)
	if err != nil {
		return err
	}
	newRoot, recvKey := kdfRoot(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	st.RootKey = newRoot
	st.PeerDHPub = peer
	st.HasPeerKey = true
	st.RecvKey = recvKey
	st.RecvN = 0
	st.SendKey = nil
	return nil
}

// skipUntil derives and caches message keys up to counter n on the
// current receiving chain.
func skipUntil(st *domain.RatchetState, n uint32) error {
	if !st.HasPeerKey || st.RecvN >= n {
		return nil
	}
	if len(st.RecvKey) == 0 {
		return fmt.Errorf("no receiving chain: %w", domain.ErrRatchetDesync)
	}
	if n-st.RecvN > maxSkipAhead {
		return fmt.Errorf("counter %d too far ahead of %d: %w", n, st.RecvN, domain.ErrRatchetDesync)
	}
	for st.RecvN < n {
		mk := kdfMessage(&st.RecvKey)
		st.Skipped = append(st.Skipped, domain.SkippedKey{
			RatchetKey: st.PeerDHPub,
			N:          st.RecvN,
			MessageKey: mk,
		})
		if len(st.Skipped) > MaxSkipped {
			memzero.Zero(st.Skipped[0].MessageKey)
			st.Skipped = st.Skipped[1:]
		}
		st.RecvN++
	}
	return nil
}

// openSkipped satisfies a counter from the cache. A miss means the key
// was already consumed or evicted: that is a replay.
func openSkipped(st *domain.RatchetState, ad []byte, h domain.RatchetHeader, ct []byte) ([]byte, error) {
	for i, sk := range st.Skipped {
		if sk.RatchetKey != h.RatchetKey || sk.N != h.Counter {
			continue
		}
		pt, err := open(sk.MessageKey, h, ad, ct)
		if err != nil {
			return nil, domain.ErrDecryptionFailed
		}
		memzero.Zero(st.Skipped[i].MessageKey)
		st.Skipped = append(st.Skipped[:i], st.Skipped[i+1:]...)
		return pt, nil
	}
	return nil, fmt.Errorf("counter %d on chain already consumed: %w", h.Counter, domain.ErrReplayedMessage)
}

func prevChain(st *domain.RatchetState, key domain.X25519Public) (domain.PrevChain, bool) {
	for _, p := range st.Prev {
		if p.RatchetKey == key {
			return p, true
		}
	}
	return domain.PrevChain{}, false
}

// --- AEAD ---

func seal(mk []byte, h domain.RatchetHeader, ad, plaintext []byte) []byte {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		panic("ratchet: bad message key size")
	}
	return aead.Seal(nil, nonce(h.Counter), plaintext, assocData(ad, h))
}

func open(mk []byte, h domain.RatchetHeader, ad, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce(h.Counter), ct, assocData(ad, h))
}

// nonce is the message counter in the low bytes; safe because each
// message key is derived once and used once.
func nonce(n uint32) []byte {
	out := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(out[chacha20poly1305.NonceSize-4:], n)
	return out
}

// assocData binds the ciphertext to its header and the session identity
// material supplied by the caller.
func assocData(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+32+8)
	out = append(out, ad...)
	out = append(out, h.RatchetKey[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PrevChainLen)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.Counter)
	out = append(out, b[:]...)
	return out
}

// --- KDF chains ---

func kdfRoot(root, dh []byte) (newRoot, chainKey []byte) {
	okm := crypto.HKDF(dh, root, rootLabel, 64)
	return okm[:32], okm[32:]
}

func kdfMessage(chainKey *[]byte) []byte {
	next := crypto.HKDF(*chainKey, nil, chainLabel, 32)
	mk := crypto.HKDF(*chainKey, nil, msgLabel, 32)
	memzero.Zero(*chainKey)
	*chainKey = next
	return mk
}

func clone(st *domain.RatchetState) domain.RatchetState {
	out := *st
	out.RootKey = append([]byte(nil), st.RootKey...)
	out.SendKey = append([]byte(nil), st.SendKey...)
	out.RecvKey = append([]byte(nil), st.RecvKey...)
	out.Prev = append([]domain.PrevChain(nil), st.Prev...)
	out.Skipped = make([]domain.SkippedKey, len(st.Skipped))
	for i, sk := range st.Skipped {
		sk.MessageKey = append([]byte(nil), sk.MessageKey...)
		out.Skipped[i] = sk
	}
	return out
}

package keystore_test

import (
	"errors"
	"testing"

	"sealbox/internal/crypto"
	"sealbox/internal/domain"
	"sealbox/internal/keystore"
	"sealbox/internal/lockgate"
)

type allowAll struct{}

func (allowAll) Validate(lockgate.Token) error { return nil }

type denyAll struct{}

func (denyAll) Validate(lockgate.Token) error { return domain.ErrLocked }

func openStore(t *testing.T) *keystore.Store {
	t.Helper()
	s, err := keystore.Open(t.TempDir(), "correct horse", allowAll{}, "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestProvisionOnce(t *testing.T) {
	s := openStore(t)

	if _, err := s.Identity(); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound before provisioning", err)
	}

	id, err := s.Provision("alice")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if id.User != "alice" || id.Device == "" || id.DHPub.IsZero() {
		t.Fatalf("incomplete identity: %+v", id)
	}

	got, err := s.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if got.DHPub != id.DHPub || got.Device != id.Device {
		t.Fatal("identity did not round-trip")
	}

	if _, err := s.Provision("alice"); err == nil {
		t.Fatal("second Provision accepted")
	}
}

func TestOneTimePreKeyIDsMonotonic(t *testing.T) {
	s := openStore(t)

	first, err := s.AllocateOneTimePreKeyIDs(3)
	if err != nil {
		t.Fatalf("AllocateOneTimePreKeyIDs: %v", err)
	}
	second, err := s.AllocateOneTimePreKeyIDs(2)
	if err != nil {
		t.Fatalf("AllocateOneTimePreKeyIDs: %v", err)
	}

	// Ids from the second batch are strictly above the first, even though
	// no keys were ever stored for the first.
	for _, a := range first {
		for _, b := range second {
			if b <= a {
				t.Fatalf("id %d reused or reordered after %d", b, a)
			}
		}
	}
}

func TestConsumeOneTimePreKeyOnce(t *testing.T) {
	s := openStore(t)

	ids, err := s.AllocateOneTimePreKeyIDs(2)
	if err != nil {
		t.Fatalf("AllocateOneTimePreKeyIDs: %v", err)
	}
	var keys []domain.OneTimePreKey
	for _, id := range ids {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			t.Fatalf("GenerateX25519: %v", err)
		}
		keys = append(keys, domain.OneTimePreKey{ID: id, Pub: pub, Priv: priv})
	}
	if err := s.PutOneTimePreKeys(keys); err != nil {
		t.Fatalf("PutOneTimePreKeys: %v", err)
	}

	// Peeking does not consume.
	if _, err := s.OneTimePreKey(ids[0]); err != nil {
		t.Fatalf("OneTimePreKey: %v", err)
	}
	k, err := s.ConsumeOneTimePreKey(ids[0])
	if err != nil {
		t.Fatalf("ConsumeOneTimePreKey: %v", err)
	}
	if k.Pub != keys[0].Pub {
		t.Fatal("wrong key returned")
	}

	// While the pool still holds keys, a consumed id is just gone.
	if _, err := s.ConsumeOneTimePreKey(ids[0]); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second consume: got %v, want ErrNotFound", err)
	}

	// Once the pool drains, lookups report exhaustion instead.
	if _, err := s.ConsumeOneTimePreKey(ids[1]); err != nil {
		t.Fatalf("ConsumeOneTimePreKey: %v", err)
	}
	if _, err := s.ConsumeOneTimePreKey(ids[1]); !errors.Is(err, domain.ErrKeyExhausted) {
		t.Fatalf("consume from empty pool: got %v, want ErrKeyExhausted", err)
	}
	if _, err := s.OneTimePreKey(ids[0]); !errors.Is(err, domain.ErrKeyExhausted) {
		t.Fatalf("lookup in empty pool: got %v, want ErrKeyExhausted", err)
	}
	n, err := s.OneTimePreKeyCount()
	if err != nil {
		t.Fatalf("OneTimePreKeyCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("count %d after draining the pool", n)
	}
}

func TestSessionVersioning(t *testing.T) {
	s := openStore(t)
	addr := domain.Address{User: "bob", Device: "dev-1"}

	sess := domain.Session{ID: "s1", Peer: addr}
	if err := s.PutSession(sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	cur, err := s.Session(addr)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if cur.Version != 1 {
		t.Fatalf("version %d after first write, want 1", cur.Version)
	}

	// A writer holding the current version wins.
	if err := s.PutSession(cur); err != nil {
		t.Fatalf("PutSession at current version: %v", err)
	}

	// A writer holding the stale snapshot loses.
	if err := s.PutSession(cur); !errors.Is(err, domain.ErrVersionMismatch) {
		t.Fatalf("stale write: got %v, want ErrVersionMismatch", err)
	}
}

func TestMarkEphemeralSeen(t *testing.T) {
	s := openStore(t)
	addr := domain.Address{User: "bob", Device: "dev-1"}
	_, ek, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	// The read-only check never records anything.
	for i := 0; i < 2; i++ {
		seen, err := s.EphemeralSeen(addr, ek)
		if err != nil {
			t.Fatalf("EphemeralSeen: %v", err)
		}
		if seen {
			t.Fatal("unrecorded ephemeral reported as seen")
		}
	}

	seen, err := s.MarkEphemeralSeen(addr, ek)
	if err != nil {
		t.Fatalf("MarkEphemeralSeen: %v", err)
	}
	if seen {
		t.Fatal("fresh ephemeral reported as seen")
	}
	seen, err = s.EphemeralSeen(addr, ek)
	if err != nil {
		t.Fatalf("EphemeralSeen: %v", err)
	}
	if !seen {
		t.Fatal("recorded ephemeral not reported as seen")
	}
	seen, err = s.MarkEphemeralSeen(addr, ek)
	if err != nil {
		t.Fatalf("MarkEphemeralSeen: %v", err)
	}
	if !seen {
		t.Fatal("replayed ephemeral not detected")
	}

	// Same key from a different device is a separate record.
	seen, err = s.MarkEphemeralSeen(domain.Address{User: "bob", Device: "dev-2"}, ek)
	if err != nil {
		t.Fatalf("MarkEphemeralSeen: %v", err)
	}
	if seen {
		t.Fatal("record leaked across devices")
	}
}

func TestWipeIsPermanent(t *testing.T) {
	dir := t.TempDir()
	s, err := keystore.Open(dir, "pw", allowAll{}, "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Provision("alice"); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if err := s.WipeAll(); err != nil {
		t.Fatalf("WipeAll: %v", err)
	}
	if _, err := s.Identity(); !errors.Is(err, domain.ErrWiped) {
		t.Fatalf("got %v, want ErrWiped", err)
	}

	// A fresh handle over the same directory sees the marker too, even
	// with a valid token and the right passphrase.
	s2, err := keystore.Open(dir, "pw", allowAll{}, "tok")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := s2.Identity(); !errors.Is(err, domain.ErrWiped) {
		t.Fatalf("reopened store: got %v, want ErrWiped", err)
	}
}

func TestLockedGateBlocksEveryOperation(t *testing.T) {
	if _, err := keystore.Open(t.TempDir(), "pw", denyAll{}, "tok"); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("Open with locked gate: got %v, want ErrLocked", err)
	}
}

func TestWrongPassphraseFailsToOpenBlobs(t *testing.T) {
	dir := t.TempDir()
	s, err := keystore.Open(dir, "right", allowAll{}, "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Provision("alice"); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	s2, err := keystore.Open(dir, "wrong", allowAll{}, "tok")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s2.Identity(); err == nil {
		t.Fatal("identity decrypted under the wrong passphrase")
	}
}

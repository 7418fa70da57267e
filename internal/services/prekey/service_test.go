package prekey_test

import (
	"errors"
	"testing"
	"time"

	"github.com/decred/slog"

	"sealbox/internal/clock"
	"sealbox/internal/domain"
	"sealbox/internal/keystore"
	"sealbox/internal/lockgate"
	"sealbox/internal/services/prekey"
)

type allowAll struct{}

func (allowAll) Validate(lockgate.Token) error { return nil }

func newService(t *testing.T) (*prekey.Service, *keystore.Store, *clock.Fake) {
	t.Helper()
	ks, err := keystore.Open(t.TempDir(), "pw", allowAll{}, "tok")
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}
	if _, err := ks.Provision("alice"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return prekey.New(ks, clk, prekey.DefaultConfig(), slog.Disabled), ks, clk
}

func TestBuildBundleNeedsSignedPreKey(t *testing.T) {
	svc, _, _ := newService(t)

	if _, err := svc.BuildBundle(); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound before rotation", err)
	}
	due, err := svc.RotationDue()
	if err != nil {
		t.Fatalf("RotationDue: %v", err)
	}
	if !due {
		t.Fatal("rotation not due with no signed prekey")
	}
}

func TestBundleCarriesLowestOneTimePreKey(t *testing.T) {
	svc, ks, _ := newService(t)
	if _, err := svc.RotateSignedPreKey(); err != nil {
		t.Fatalf("RotateSignedPreKey: %v", err)
	}
	pubs, err := svc.Replenish(5)
	if err != nil {
		t.Fatalf("Replenish: %v", err)
	}

	b, err := svc.BuildBundle()
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if b.OneTimePreKeyID == nil {
		t.Fatal("bundle missing one-time prekey")
	}
	if *b.OneTimePreKeyID != pubs[0].ID {
		t.Fatalf("bundle advertises id %d, want lowest %d", *b.OneTimePreKeyID, pubs[0].ID)
	}

	// Consuming the lowest moves the bundle to the next id.
	if _, err := ks.ConsumeOneTimePreKey(pubs[0].ID); err != nil {
		t.Fatalf("ConsumeOneTimePreKey: %v", err)
	}
	b, err = svc.BuildBundle()
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if *b.OneTimePreKeyID != pubs[1].ID {
		t.Fatalf("bundle advertises id %d, want %d", *b.OneTimePreKeyID, pubs[1].ID)
	}
}

func TestExhaustedPoolPublishesThreeDHBundle(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.RotateSignedPreKey(); err != nil {
		t.Fatalf("RotateSignedPreKey: %v", err)
	}

	b, err := svc.BuildBundle()
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if b.OneTimePreKeyID != nil || b.OneTimePreKey != nil {
		t.Fatal("empty pool still produced a one-time entry")
	}
	if b.SignedPreKey.IsZero() || len(b.SignedPreKeySignature) == 0 {
		t.Fatal("signed prekey material missing")
	}
}

func TestReplenishIDsKeepRising(t *testing.T) {
	svc, _, _ := newService(t)

	first, err := svc.Replenish(10)
	if err != nil {
		t.Fatalf("Replenish: %v", err)
	}
	second, err := svc.Replenish(10)
	if err != nil {
		t.Fatalf("Replenish: %v", err)
	}
	if second[0].ID <= first[len(first)-1].ID {
		t.Fatalf("ids not strictly increasing across batches: %d then %d",
			first[len(first)-1].ID, second[0].ID)
	}
	for i := 1; i < len(first); i++ {
		if first[i].ID <= first[i-1].ID {
			t.Fatalf("ids not strictly increasing within batch: %d then %d",
				first[i-1].ID, first[i].ID)
		}
	}
}

func TestExpiredSignedPreKeyRefusesToPublish(t *testing.T) {
	svc, _, clk := newService(t)
	if _, err := svc.RotateSignedPreKey(); err != nil {
		t.Fatalf("RotateSignedPreKey: %v", err)
	}

	clk.Advance(time.Duration(prekey.DefaultConfig().SPKMaxAge+1) * time.Second)

	if _, err := svc.BuildBundle(); !errors.Is(err, domain.ErrStaleBundle) {
		t.Fatalf("got %v, want ErrStaleBundle", err)
	}
	due, err := svc.RotationDue()
	if err != nil {
		t.Fatalf("RotationDue: %v", err)
	}
	if !due {
		t.Fatal("rotation not flagged as due")
	}

	// Rotating restores a publishable bundle.
	if _, err := svc.RotateSignedPreKey(); err != nil {
		t.Fatalf("RotateSignedPreKey: %v", err)
	}
	if _, err := svc.BuildBundle(); err != nil {
		t.Fatalf("BuildBundle after rotation: %v", err)
	}
}

func TestRotationKeepsSupersededKeyWithinWindow(t *testing.T) {
	svc, ks, clk := newService(t)
	old, err := svc.RotateSignedPreKey()
	if err != nil {
		t.Fatalf("RotateSignedPreKey: %v", err)
	}

	clk.Advance(24 * time.Hour)
	if _, err := svc.RotateSignedPreKey(); err != nil {
		t.Fatalf("second RotateSignedPreKey: %v", err)
	}

	// The superseded key still decrypts in-flight PreKey messages.
	if _, err := ks.SignedPreKey(old.ID); err != nil {
		t.Fatalf("superseded key gone inside retirement window: %v", err)
	}

	// Far past the retirement window it is pruned on the next rotation.
	clk.Advance(time.Duration(prekey.DefaultConfig().SPKRetireAfter+1) * time.Second)
	if _, err := svc.RotateSignedPreKey(); err != nil {
		t.Fatalf("third RotateSignedPreKey: %v", err)
	}
	if _, err := ks.SignedPreKey(old.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound after pruning", err)
	}
}

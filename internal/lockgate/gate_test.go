package lockgate_test

import (
	"errors"
	"testing"
	"time"

	"github.com/decred/slog"

	"sealbox/internal/clock"
	"sealbox/internal/domain"
	"sealbox/internal/lockgate"
)

func openGate(t *testing.T, clk clock.Clock) *lockgate.Gate {
	t.Helper()
	g, err := lockgate.Open(t.TempDir(), clk, slog.Disabled)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return g
}

func TestVerifyIssuesToken(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := openGate(t, clk)
	if err := g.EnrollPIN("123456"); err != nil {
		t.Fatalf("EnrollPIN: %v", err)
	}

	tok, exp, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "123456"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !exp.After(clk.Now()) {
		t.Fatal("token already expired at issue")
	}
	if err := g.Validate(tok); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := g.State(); got != lockgate.StateUnlocked {
		t.Fatalf("state %v, want unlocked", got)
	}
}

func TestTokenExpiresAtPointOfUse(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := openGate(t, clk)
	if err := g.EnrollPIN("123456"); err != nil {
		t.Fatalf("EnrollPIN: %v", err)
	}
	tok, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "123456"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// No lock call happens; only the clock moves.
	clk.Advance(lockgate.DefaultPolicy().TokenTTL + time.Second)
	if err := g.Validate(tok); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("got %v, want ErrLocked", err)
	}
	if got := g.State(); got != lockgate.StateLocked {
		t.Fatalf("state %v, want locked", got)
	}
}

func TestVerifyWithoutEnrolledPIN(t *testing.T) {
	g := openGate(t, clock.NewFake(time.Unix(1_700_000_000, 0)))
	_, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "whatever"})
	if !errors.Is(err, lockgate.ErrNoPIN) {
		t.Fatalf("got %v, want ErrNoPIN", err)
	}
}

func TestFailedAttemptsEscalateToWipe(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := openGate(t, clk)
	if err := g.EnrollPIN("123456"); err != nil {
		t.Fatalf("EnrollPIN: %v", err)
	}
	wiped := &recordingWiper{}
	g.SetWiper(wiped)

	threshold := lockgate.DefaultPolicy().WipeThreshold
	for i := 0; i < threshold-1; i++ {
		_, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "wrong"})
		if !errors.Is(err, lockgate.ErrBadCredential) {
			t.Fatalf("attempt %d: got %v, want ErrBadCredential", i, err)
		}
	}
	if got := g.State(); got != lockgate.StateWipePending {
		t.Fatalf("state %v, want wipe-pending", got)
	}

	_, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "wrong"})
	if !errors.Is(err, domain.ErrWiped) {
		t.Fatalf("got %v, want ErrWiped", err)
	}
	if !wiped.called {
		t.Fatal("wiper not invoked")
	}
	if got := g.State(); got != lockgate.StateWiped {
		t.Fatalf("state %v, want wiped", got)
	}

	// A wipe is permanent, even with the correct PIN.
	_, _, err = g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "123456"})
	if !errors.Is(err, domain.ErrWiped) {
		t.Fatalf("post-wipe: got %v, want ErrWiped", err)
	}
}

func TestCorrectPINResetsCounter(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := openGate(t, clk)
	if err := g.EnrollPIN("123456"); err != nil {
		t.Fatalf("EnrollPIN: %v", err)
	}

	threshold := lockgate.DefaultPolicy().WipeThreshold
	for round := 0; round < 3; round++ {
		for i := 0; i < threshold-1; i++ {
			g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "nope"})
		}
		if _, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "123456"}); err != nil {
			t.Fatalf("round %d: correct pin rejected: %v", round, err)
		}
	}
	if got := g.State(); got == lockgate.StateWiped {
		t.Fatal("wiped despite successful unlocks between failures")
	}
}

func TestBiometricGatedByPINInterval(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := openGate(t, clk)
	if err := g.EnrollPIN("123456"); err != nil {
		t.Fatalf("EnrollPIN: %v", err)
	}
	if err := g.SetBiometric(true); err != nil {
		t.Fatalf("SetBiometric: %v", err)
	}

	// A PIN must have been entered at least once.
	if _, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialBiometric}); !errors.Is(err, lockgate.ErrPINRequired) {
		t.Fatalf("got %v, want ErrPINRequired", err)
	}
	if _, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "123456"}); err != nil {
		t.Fatalf("pin Verify: %v", err)
	}
	if _, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialBiometric}); err != nil {
		t.Fatalf("biometric Verify: %v", err)
	}

	// After the interval the biometric path demands a PIN again.
	clk.Advance(lockgate.DefaultPolicy().PINInterval + time.Minute)
	if !g.IsPINDue() {
		t.Fatal("pin not due after interval")
	}
	if _, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialBiometric}); !errors.Is(err, lockgate.ErrPINRequired) {
		t.Fatalf("got %v, want ErrPINRequired", err)
	}
}

func TestLockRevokesToken(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := openGate(t, clk)
	if err := g.EnrollPIN("123456"); err != nil {
		t.Fatalf("EnrollPIN: %v", err)
	}
	tok, _, err := g.Verify(lockgate.Credential{Kind: lockgate.CredentialPIN, PIN: "123456"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	g.Lock(tok)
	if err := g.Validate(tok); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("got %v, want ErrLocked", err)
	}
}

type recordingWiper struct{ called bool }

func (w *recordingWiper) WipeAll() error {
	w.called = true
	return nil
}

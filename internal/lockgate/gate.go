// Package lockgate gates key-material access behind PIN or biometric
// verification. It owns the device lock policy, issues time-bounded
// unlock tokens, and is the only component permitted to order an
// irreversible wipe of the key store.
package lockgate

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"sealbox/internal/clock"
	"sealbox/internal/domain"
)

const policyFile = "lock.json"

// Argon2id parameters for the PIN hash.
const (
	pinTime    = 1
	pinMemory  = 64 * 1024
	pinThreads = 4
	pinKeyLen  = 32
)

var (
	// ErrBadCredential is a failed PIN or disallowed biometric attempt.
	ErrBadCredential = errors.New("credential rejected")

	// ErrPINRequired means the PIN interval has elapsed and a biometric
	// credential alone is not sufficient.
	ErrPINRequired = errors.New("pin verification due")

	// ErrNoPIN means no PIN has been enrolled yet.
	ErrNoPIN = errors.New("no pin enrolled")
)

// State is the gate's lifecycle position.
type State int

const (
	StateLocked State = iota
	StateUnlocked
	StateWipePending
	StateWiped
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	case StateWipePending:
		return "wipe-pending"
	case StateWiped:
		return "wiped"
	}
	return "unknown"
}

// Token authorizes key-store access until its expiry. Validity is
// checked against the wall clock at every point of use, not only by a
// background timer, so a suspended process cannot keep a stale token
// alive.
type Token string

// Wiper deletes all key material. Implemented by the key store; invoked
// only by the gate when the wipe threshold is crossed.
type Wiper interface {
	WipeAll() error
}

// CredentialKind selects the verification path.
type CredentialKind int

const (
	CredentialPIN CredentialKind = iota
	CredentialBiometric
)

// Credential is one unlock attempt. For biometric credentials the
// platform has already matched the user; the gate only enforces policy.
type Credential struct {
	Kind CredentialKind
	PIN  string
}

// Policy is the persisted device-lock configuration. Mutated only by
// explicit user action.
type Policy struct {
	PINHash          []byte        `json:"pin_hash"`
	Salt             []byte        `json:"salt"`
	BiometricEnabled bool          `json:"biometric_enabled"`
	TokenTTL         time.Duration `json:"token_ttl"`
	PINInterval      time.Duration `json:"pin_interval"`
	WipeThreshold    int           `json:"wipe_threshold"`

	FailedAttempts    int   `json:"failed_attempts"`
	LastPINVerifiedAt int64 `json:"last_pin_verified_at"`
	Wiped             bool  `json:"wiped"`
}

// DefaultPolicy returns the policy applied at enrollment before the user
// customises anything.
func DefaultPolicy() Policy {
	return Policy{
		TokenTTL:      5 * time.Minute,
		PINInterval:   72 * time.Hour,
		WipeThreshold: 10,
	}
}

// Gate is the device lock state machine.
type Gate struct {
	mu     sync.Mutex
	path   string
	pol    Policy
	tokens map[Token]time.Time
	clk    clock.Clock
	log    slog.Logger
	wiper  Wiper
}

// Open loads the lock policy from dir, creating a default one when none
// exists.
func Open(dir string, clk clock.Clock, log slog.Logger) (*Gate, error) {
	g := &Gate{
		path:   filepath.Join(dir, policyFile),
		pol:    DefaultPolicy(),
		tokens: make(map[Token]time.Time),
		clk:    clk,
		log:    log,
	}
	b, err := os.ReadFile(g.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if b != nil {
		if err := json.Unmarshal(b, &g.pol); err != nil {
			return nil, fmt.Errorf("lock policy: %w", err)
		}
	}
	return g, nil
}

// SetWiper wires the key store's wipe hook.
func (g *Gate) SetWiper(w Wiper) {
	g.mu.Lock()
	g.wiper = w
	g.mu.Unlock()
}

// EnrollPIN hashes and stores a new PIN. This is an explicit user action
// and resets the failed-attempt counter.
func (g *Gate) EnrollPIN(pin string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pol.Wiped {
		return domain.ErrWiped
	}
	salt := uuid.New()
	g.pol.Salt = salt[:]
	g.pol.PINHash = hashPIN(pin, g.pol.Salt)
	g.pol.FailedAttempts = 0
	return g.persist()
}

// SetBiometric toggles biometric unlock.
func (g *Gate) SetBiometric(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pol.BiometricEnabled = enabled
	return g.persist()
}

// Verify checks a credential. Success issues a time-bounded token and
// resets the failed-attempt counter; each failure increments it, and
// crossing the wipe threshold irreversibly destroys all key material.
func (g *Gate) Verify(cred Credential) (Token, time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pol.Wiped {
		return "", time.Time{}, domain.ErrWiped
	}
	if len(g.pol.PINHash) == 0 {
		return "", time.Time{}, ErrNoPIN
	}

	now := g.clk.Now()
	switch cred.Kind {
	case CredentialBiometric:
		if !g.pol.BiometricEnabled {
			return "", time.Time{}, g.fail("biometric disabled")
		}
		if g.pinDueLocked(now) {
			// Not counted as a failed attempt: the platform matched the
			// user, policy just demands the PIN.
			return "", time.Time{}, ErrPINRequired
		}
	case CredentialPIN:
		if subtle.ConstantTimeCompare(hashPIN(cred.PIN, g.pol.Salt), g.pol.PINHash) != 1 {
			return "", time.Time{}, g.fail("pin mismatch")
		}
		g.pol.LastPINVerifiedAt = now.Unix()
	default:
		return "", time.Time{}, g.fail("unknown credential kind")
	}

	g.pol.FailedAttempts = 0
	if err := g.persist(); err != nil {
		return "", time.Time{}, err
	}

	tok := Token(uuid.NewString())
	expiry := now.Add(g.pol.TokenTTL)
	g.tokens[tok] = expiry
	return tok, expiry, nil
}

// fail records a failed attempt and escalates through WipePending to
// Wiped. Callers hold g.mu.
func (g *Gate) fail(reason string) error {
	g.pol.FailedAttempts++
	remaining := g.pol.WipeThreshold - g.pol.FailedAttempts
	g.log.Warnf("unlock failed (%s), %d attempts remaining before wipe", reason, remaining)

	if g.pol.WipeThreshold > 0 && g.pol.FailedAttempts >= g.pol.WipeThreshold {
		g.log.Criticalf("wipe threshold reached after %d failed attempts, destroying key material",
			g.pol.FailedAttempts)
		g.pol.Wiped = true
		g.tokens = make(map[Token]time.Time)
		if err := g.persist(); err != nil {
			g.log.Errorf("persist wiped policy: %v", err)
		}
		if g.wiper != nil {
			if err := g.wiper.WipeAll(); err != nil {
				g.log.Errorf("wipe key material: %v", err)
			}
		}
		return domain.ErrWiped
	}

	if err := g.persist(); err != nil {
		return err
	}
	return ErrBadCredential
}

// Validate reports whether tok currently authorizes access. Expiry is
// evaluated against the clock on every call.
func (g *Gate) Validate(tok Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pol.Wiped {
		return domain.ErrWiped
	}
	exp, ok := g.tokens[tok]
	if !ok {
		return domain.ErrLocked
	}
	if !g.clk.Now().Before(exp) {
		delete(g.tokens, tok)
		return domain.ErrLocked
	}
	return nil
}

// Lock revokes a single token.
func (g *Gate) Lock(tok Token) {
	g.mu.Lock()
	delete(g.tokens, tok)
	g.mu.Unlock()
}

// LockAll revokes every outstanding token.
func (g *Gate) LockAll() {
	g.mu.Lock()
	g.tokens = make(map[Token]time.Time)
	g.mu.Unlock()
}

// State reports the gate's current lifecycle position.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.pol.Wiped:
		return StateWiped
	case g.pol.WipeThreshold > 0 && g.pol.FailedAttempts == g.pol.WipeThreshold-1:
		return StateWipePending
	}
	now := g.clk.Now()
	for _, exp := range g.tokens {
		if now.Before(exp) {
			return StateUnlocked
		}
	}
	return StateLocked
}

// IsPINDue reports whether the mixed PIN+biometric policy requires a
// fresh PIN entry.
func (g *Gate) IsPINDue() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pinDueLocked(g.clk.Now())
}

func (g *Gate) pinDueLocked(now time.Time) bool {
	if g.pol.PINInterval <= 0 {
		return false
	}
	if g.pol.LastPINVerifiedAt == 0 {
		return true
	}
	return now.Sub(time.Unix(g.pol.LastPINVerifiedAt, 0)) >= g.pol.PINInterval
}

// Policy returns a copy of the current policy.
func (g *Gate) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pol
}

// UpdatePolicy applies user-driven changes to timeout and wipe settings.
func (g *Gate) UpdatePolicy(ttl, pinInterval time.Duration, wipeThreshold int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pol.TokenTTL = ttl
	g.pol.PINInterval = pinInterval
	g.pol.WipeThreshold = wipeThreshold
	return g.persist()
}

func (g *Gate) persist() error {
	b, err := json.MarshalIndent(g.pol, "", "  ")
	if err != nil {
		return err
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, g.path)
}

func hashPIN(pin string, salt []byte) []byte {
	return argon2.IDKey([]byte(pin), salt, pinTime, pinMemory, pinThreads, pinKeyLen)
}

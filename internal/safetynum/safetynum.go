// Package safetynum derives the human-comparable fingerprint both
// parties display to detect identity-key substitution. The number is
// order-independent: Alice and Bob compute the identical 60-digit string
// from the pair of identity keys.
package safetynum

import (
	"crypto/sha512"
	"encoding/binary"
	"strings"
	"time"

	"sealbox/internal/domain"
)

const (
	// version is mixed into the digest so future fingerprint schemes
	// produce disjoint numbers.
	version uint16 = 0

	// iterations hardens the per-party digest against brute-forcing a
	// look-alike key.
	iterations = 5200

	chunks     = 6 // 5-digit groups per party
	groupSize  = 5
	chunkDigit = 100000 // 10^groupSize
)

// Compute derives the safety number for a conversation. Each party
// contributes a 30-digit half from its own (user, identity key) pair;
// the halves are sorted before concatenation so both sides agree.
func Compute(localUser domain.UserID, localKey domain.X25519Public,
	peerUser domain.UserID, peerKey domain.X25519Public) string {

	a := half(localUser, localKey)
	b := half(peerUser, peerKey)
	if b < a {
		a, b = b, a
	}
	return a + b
}

// Format groups a 60-digit number into blocks of five for display.
func Format(number string) string {
	var sb strings.Builder
	for i := 0; i < len(number); i += groupSize {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + groupSize
		if end > len(number) {
			end = len(number)
		}
		sb.WriteString(number[i:end])
	}
	return sb.String()
}

// half iterates SHA-512 over one party's identity material and renders
// 30 decimal digits from the final digest.
func half(user domain.UserID, key domain.X25519Public) string {
	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], version)

	h := sha512.New()
	h.Write(ver[:])
	h.Write(key[:])
	h.Write([]byte(user))
	digest := h.Sum(nil)

	for i := 1; i < iterations; i++ {
		h.Reset()
		h.Write(digest)
		h.Write(key[:])
		digest = h.Sum(nil)
	}

	var sb strings.Builder
	for i := 0; i < chunks; i++ {
		block := digest[i*groupSize : i*groupSize+groupSize]
		// 5 bytes -> 40-bit integer -> 5 decimal digits.
		v := uint64(block[0])<<32 | uint64(block[1])<<24 | uint64(block[2])<<16 |
			uint64(block[3])<<8 | uint64(block[4])
		digitsOf(&sb, v%chunkDigit)
	}
	return sb.String()
}

func digitsOf(sb *strings.Builder, v uint64) {
	var buf [groupSize]byte
	for i := groupSize - 1; i >= 0; i-- {
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	sb.Write(buf[:])
}

// Recorder persists verification state.
type Recorder interface {
	SafetyRecord(user domain.UserID) (domain.SafetyNumber, bool, error)
	PutSafetyRecord(user domain.UserID, rec domain.SafetyNumber) error
}

// Verifier tracks which safety numbers the user has confirmed
// out-of-band. Any identity-key change invalidates a prior verification.
type Verifier struct {
	rec Recorder
}

func NewVerifier(rec Recorder) *Verifier {
	return &Verifier{rec: rec}
}

// Status recomputes the safety number for the current identity keys and
// reconciles it with the stored record. A changed peer identity key
// drops the verified flag.
func (v *Verifier) Status(localUser domain.UserID, localKey domain.X25519Public,
	peerUser domain.UserID, peerKey domain.X25519Public) (domain.SafetyNumber, error) {

	value := Compute(localUser, localKey, peerUser, peerKey)
	stored, ok, err := v.rec.SafetyRecord(peerUser)
	if err != nil {
		return domain.SafetyNumber{}, err
	}
	cur := domain.SafetyNumber{Value: value}
	if ok && stored.Value == value {
		cur.Verified = stored.Verified
		cur.VerifiedAt = stored.VerifiedAt
	}
	if !ok || stored != cur {
		if err := v.rec.PutSafetyRecord(peerUser, cur); err != nil {
			return domain.SafetyNumber{}, err
		}
	}
	return cur, nil
}

// MarkVerified records that the user compared safety numbers with the
// peer out-of-band.
func (v *Verifier) MarkVerified(peerUser domain.UserID, value string, now time.Time) error {
	return v.rec.PutSafetyRecord(peerUser, domain.SafetyNumber{
		Value:      value,
		Verified:   true,
		VerifiedAt: now.Unix(),
	})
}

// HasIdentityChangedSince reports whether the peer's identity key no
// longer matches the record last verified at the given time, so callers
// can warn before sending.
func (v *Verifier) HasIdentityChangedSince(peerUser domain.UserID, peerKey domain.X25519Public,
	localUser domain.UserID, localKey domain.X25519Public, lastVerified time.Time) (bool, error) {

	stored, ok, err := v.rec.SafetyRecord(peerUser)
	if err != nil || !ok {
		return false, err
	}
	if !stored.Verified || time.Unix(stored.VerifiedAt, 0).After(lastVerified) {
		// Nothing verified as of that moment to have changed from.
		return false, nil
	}
	value := Compute(localUser, localKey, peerUser, peerKey)
	return stored.Value != value, nil
}

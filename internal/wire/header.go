// Package wire encodes and decodes the fixed-layout message headers that
// precede each AEAD ciphertext. All integers are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"sealbox/internal/domain"
)

// Version is the current header format version.
const Version byte = 1

const (
	// PreKey header layout:
	// version(1) | identity(32) | ephemeral(32) | spkID(4) |
	// opkFlag(1) | opkID(4) | ratchet(32) | counter(4) | prevLen(4)
	preKeyHeaderLen = 1 + 32 + 32 + 4 + 1 + 4 + 32 + 4 + 4

	// Ratchet header layout:
	// version(1) | ratchet(32) | counter(4) | prevLen(4)
	ratchetHeaderLen = 1 + 32 + 4 + 4

	flagOneTime byte = 0x01
)

var (
	ErrShortHeader = errors.New("wire: short header")
)

// EncodePreKeyHeader serialises h into the PreKey wire layout.
func EncodePreKeyHeader(h domain.PreKeyHeader) []byte {
	out := make([]byte, 0, preKeyHeaderLen)
	out = append(out, Version)
	out = append(out, h.IdentityKey[:]...)
	out = append(out, h.EphemeralKey[:]...)
	out = appendUint32(out, uint32(h.SignedPreKeyID))
	if h.OneTimePreKeyID != nil {
		out = append(out, flagOneTime)
		out = appendUint32(out, uint32(*h.OneTimePreKeyID))
	} else {
		out = append(out, 0)
		out = appendUint32(out, 0)
	}
	out = append(out, h.RatchetKey[:]...)
	out = appendUint32(out, h.Counter)
	out = appendUint32(out, h.PrevChainLen)
	return out
}

// DecodePreKeyHeader parses the PreKey wire layout.
func DecodePreKeyHeader(b []byte) (domain.PreKeyHeader, error) {
	var h domain.PreKeyHeader
	if len(b) != preKeyHeaderLen {
		return h, ErrShortHeader
	}
	if b[0] != Version {
		return h, fmt.Errorf("wire: unsupported header version %d", b[0])
	}
	off := 1
	off += copy(h.IdentityKey[:], b[off:])
	off += copy(h.EphemeralKey[:], b[off:])
	h.SignedPreKeyID = domain.SignedPreKeyID(binary.BigEndian.Uint32(b[off:]))
	off += 4
	flag := b[off]
	off++
	opk := domain.OneTimePreKeyID(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if flag&flagOneTime != 0 {
		h.OneTimePreKeyID = &opk
	}
	off += copy(h.RatchetKey[:], b[off:])
	h.Counter = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.PrevChainLen = binary.BigEndian.Uint32(b[off:])
	return h, nil
}

// EncodeRatchetHeader serialises h into the ratchet wire layout.
func EncodeRatchetHeader(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, ratchetHeaderLen)
	out = append(out, Version)
	out = append(out, h.RatchetKey[:]...)
	out = appendUint32(out, h.Counter)
	out = appendUint32(out, h.PrevChainLen)
	return out
}

// DecodeRatchetHeader parses the ratchet wire layout.
func DecodeRatchetHeader(b []byte) (domain.RatchetHeader, error) {
	var h domain.RatchetHeader
	if len(b) != ratchetHeaderLen {
		return h, ErrShortHeader
	}
	if b[0] != Version {
		return h, fmt.Errorf("wire: unsupported header version %d", b[0])
	}
	off := 1
	off += copy(h.RatchetKey[:], b[off:])
	h.Counter = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.PrevChainLen = binary.BigEndian.Uint32(b[off:])
	return h, nil
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// Package ratchet implements the Double Ratchet: a Diffie-Hellman
// ratchet stepped on every direction change combined with a symmetric
// hash-chain ratchet stepped per message. Each message key is used once;
// compromise of current state exposes neither past messages (forward
// secrecy) nor, once new randomness is mixed in, future ones.
//
// Decrypt operates on a copy of the state and commits only on success,
// so a failed authentication never desynchronises the chains.
package ratchet

// Package commands wires the sealbox CLI: device provisioning, prekey
// publication, encrypted send/receive, and safety-number verification.
package commands

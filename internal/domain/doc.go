// Package domain holds the shared types, errors and collaborator
// interfaces used across the engine. It has no dependencies of its own so
// every other package can import it freely.
package domain

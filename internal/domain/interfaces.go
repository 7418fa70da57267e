package domain

import "context"

// Directory maps users to device lists and published key bundles. Lookups
// may block on the network; implementations honour ctx.
type Directory interface {
	GetDeviceList(ctx context.Context, user UserID) ([]DeviceID, error)
	PublishBundle(ctx context.Context, addr Address, bundle PreKeyBundle) error
	FetchBundle(ctx context.Context, addr Address) (PreKeyBundle, error)

	// ConsumeOneTimePreKey claims the bundle's one-time entry. Exactly
	// one concurrent claimant wins; the rest get claimed=false and fall
	// back to 3-DH.
	ConsumeOneTimePreKey(ctx context.Context, addr Address, id OneTimePreKeyID) (claimed bool, err error)
}

// Transport stores and forwards opaque envelopes by recipient device.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context, to Address, limit int) ([]Envelope, error)
	Ack(ctx context.Context, to Address, count int) error
}

package dirserver

import (
	"context"
	"sort"
	"sync"

	"sealbox/internal/domain"
)

// Registry stores published bundles per device and arbitrates one-time
// prekey claims: the directory, not the clients, enforces at-most-once
// handout of a bundle's one-time entry.
type Registry interface {
	Publish(ctx context.Context, addr domain.Address, bundle domain.PreKeyBundle) error
	Devices(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error)

	// Bundle returns the published bundle with any already-claimed
	// one-time entry stripped.
	Bundle(ctx context.Context, addr domain.Address) (domain.PreKeyBundle, bool, error)

	// Claim marks a one-time prekey consumed. Exactly one concurrent
	// caller gets claimed=true per key id.
	Claim(ctx context.Context, addr domain.Address, id domain.OneTimePreKeyID) (bool, error)
}

// Queue stores and forwards opaque envelopes per recipient device.
type Queue interface {
	Enqueue(ctx context.Context, env domain.Envelope) error
	List(ctx context.Context, to domain.Address, limit int) ([]domain.Envelope, error)
	Ack(ctx context.Context, to domain.Address, count int) error
}

// ---------- in-memory implementations ----------

type memRegistry struct {
	mu      sync.Mutex
	bundles map[domain.Address]domain.PreKeyBundle
	claimed map[domain.Address]map[domain.OneTimePreKeyID]bool
}

// NewMemRegistry returns an in-memory Registry for tests and
// single-node deployments.
func NewMemRegistry() Registry {
	return &memRegistry{
		bundles: make(map[domain.Address]domain.PreKeyBundle),
		claimed: make(map[domain.Address]map[domain.OneTimePreKeyID]bool),
	}
}

func (r *memRegistry) Publish(_ context.Context, addr domain.Address, bundle domain.PreKeyBundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[addr] = bundle
	return nil
}

func (r *memRegistry) Devices(_ context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeviceID
	for addr := range r.bundles {
		if addr.User == user {
			out = append(out, addr.Device)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *memRegistry) Bundle(_ context.Context, addr domain.Address) (domain.PreKeyBundle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bundles[addr]
	if !ok {
		return domain.PreKeyBundle{}, false, nil
	}
	if b.OneTimePreKeyID != nil && r.claimed[addr][*b.OneTimePreKeyID] {
		b.OneTimePreKeyID = nil
		b.OneTimePreKey = nil
	}
	return b, true, nil
}

func (r *memRegistry) Claim(_ context.Context, addr domain.Address, id domain.OneTimePreKeyID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[addr] == nil {
		r.claimed[addr] = make(map[domain.OneTimePreKeyID]bool)
	}
	if r.claimed[addr][id] {
		return false, nil
	}
	r.claimed[addr][id] = true
	return true, nil
}

type memQueue struct {
	mu     sync.Mutex
	queues map[domain.Address][]domain.Envelope
}

// NewMemQueue returns an in-memory Queue.
func NewMemQueue() Queue {
	return &memQueue{queues: make(map[domain.Address][]domain.Envelope)}
}

func (q *memQueue) Enqueue(_ context.Context, env domain.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[env.To] = append(q.queues[env.To], env)
	return nil
}

func (q *memQueue) List(_ context.Context, to domain.Address, limit int) ([]domain.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	envs := q.queues[to]
	if limit > 0 && limit < len(envs) {
		envs = envs[:limit]
	}
	return append([]domain.Envelope(nil), envs...), nil
}

func (q *memQueue) Ack(_ context.Context, to domain.Address, count int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	envs := q.queues[to]
	if count > len(envs) {
		count = len(envs)
	}
	q.queues[to] = envs[count:]
	return nil
}

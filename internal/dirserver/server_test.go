package dirserver_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/decred/slog"

	"sealbox/internal/directory"
	"sealbox/internal/dirserver"
	"sealbox/internal/domain"
)

func newTestClient(t *testing.T) *directory.Client {
	t.Helper()
	srv := dirserver.New(dirserver.NewMemRegistry(), dirserver.NewMemQueue(), slog.Disabled)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return directory.New(ts.URL)
}

func testBundle(opkID domain.OneTimePreKeyID) domain.PreKeyBundle {
	var ik, spk, opk domain.X25519Public
	ik[0], spk[0], opk[0] = 1, 2, 3
	return domain.PreKeyBundle{
		Registration:          77,
		IdentityKey:           ik,
		SignedPreKeyID:        1,
		SignedPreKey:          spk,
		SignedPreKeySignature: []byte{0xAA},
		OneTimePreKeyID:       &opkID,
		OneTimePreKey:         &opk,
	}
}

func TestPublishFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	addr := domain.Address{User: "alice", Device: "phone"}

	if _, err := c.FetchBundle(ctx, addr); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound before publish", err)
	}

	in := testBundle(5)
	if err := c.PublishBundle(ctx, addr, in); err != nil {
		t.Fatalf("PublishBundle: %v", err)
	}

	out, err := c.FetchBundle(ctx, addr)
	if err != nil {
		t.Fatalf("FetchBundle: %v", err)
	}
	if out.IdentityKey != in.IdentityKey || out.SignedPreKey != in.SignedPreKey {
		t.Fatal("bundle did not round-trip")
	}
	if out.OneTimePreKeyID == nil || *out.OneTimePreKeyID != 5 {
		t.Fatalf("one-time entry lost: %v", out.OneTimePreKeyID)
	}

	devices, err := c.GetDeviceList(ctx, "alice")
	if err != nil {
		t.Fatalf("GetDeviceList: %v", err)
	}
	if len(devices) != 1 || devices[0] != "phone" {
		t.Fatalf("devices %v, want [phone]", devices)
	}
}

func TestClaimHasExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	addr := domain.Address{User: "bob", Device: "phone"}
	if err := c.PublishBundle(ctx, addr, testBundle(9)); err != nil {
		t.Fatalf("PublishBundle: %v", err)
	}

	const racers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := c.ConsumeOneTimePreKey(ctx, addr, 9)
			if err != nil {
				t.Errorf("ConsumeOneTimePreKey: %v", err)
				return
			}
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("%d claim winners, want exactly 1", got)
	}

	// Later fetches see a bundle without the claimed entry.
	out, err := c.FetchBundle(ctx, addr)
	if err != nil {
		t.Fatalf("FetchBundle: %v", err)
	}
	if out.OneTimePreKeyID != nil {
		t.Fatalf("claimed one-time entry still advertised: %d", *out.OneTimePreKeyID)
	}
}

func TestEnvelopeQueueOrderAndAck(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	to := domain.Address{User: "bob", Device: "phone"}

	for _, id := range []string{"e1", "e2", "e3"} {
		env := domain.Envelope{
			ID:         id,
			From:       domain.Address{User: "alice", Device: "phone"},
			To:         to,
			Type:       domain.EnvelopeRatchet,
			Header:     []byte{1},
			Ciphertext: []byte("ct-" + id),
		}
		if err := c.Send(ctx, env); err != nil {
			t.Fatalf("Send %s: %v", id, err)
		}
	}

	envs, err := c.Receive(ctx, to, 2)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(envs) != 2 || envs[0].ID != "e1" || envs[1].ID != "e2" {
		t.Fatalf("got %v, want [e1 e2] in send order", envIDs(envs))
	}

	// Without an ack the same envelopes are redelivered.
	envs, err = c.Receive(ctx, to, 2)
	if err != nil {
		t.Fatalf("Receive again: %v", err)
	}
	if len(envs) != 2 || envs[0].ID != "e1" {
		t.Fatalf("got %v, want redelivery of [e1 e2]", envIDs(envs))
	}

	if err := c.Ack(ctx, to, 2); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	envs, err = c.Receive(ctx, to, 10)
	if err != nil {
		t.Fatalf("Receive after ack: %v", err)
	}
	if len(envs) != 1 || envs[0].ID != "e3" {
		t.Fatalf("got %v, want [e3]", envIDs(envs))
	}
	if string(envs[0].Ciphertext) != "ct-e3" {
		t.Fatalf("ciphertext mangled: %q", envs[0].Ciphertext)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	envs, err := c.Receive(ctx, domain.Address{User: "nobody", Device: "x"}, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("got %v, want empty", envIDs(envs))
	}
}

func envIDs(envs []domain.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.ID
	}
	return out
}

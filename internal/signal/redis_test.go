package signal

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// The Redis store tests need a live instance; point PEERCALL_TEST_REDIS
// at one (e.g. 127.0.0.1:6379) to enable them. Keys are namespaced by
// fresh ids per run, so a shared instance is fine.

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("PEERCALL_TEST_REDIS")
	if addr == "" {
		t.Skip("PEERCALL_TEST_REDIS not set")
	}
	s, err := NewRedisStore(RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// An offer written before the callee subscribes must still ring: the
// watch replays pending offers from the ring index, and later live
// notifications for the same call are deduped.
func TestRedisOfferWatchReplaysExisting(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	callee := testID("bob")
	other := testID("carol")
	offer := Description{Type: "offer", SDP: "sdp-o"}

	rec := record(testID("c"), "alice", callee)
	rec.Offer = &offer
	if err := s.CreateCall(ctx, rec); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.DeleteCall(ctx, rec.ID) })

	// Not for this callee: must never reach the watch.
	foreign := record(testID("c"), "alice", other)
	foreign.Offer = &offer
	if err := s.CreateCall(ctx, foreign); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.DeleteCall(ctx, foreign.ID) })

	offers := make(chan OfferEvent, 8)
	unsub, err := s.WatchOffers(ctx, callee, func(ev OfferEvent) { offers <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	ev := recv(t, offers, "replayed ring")
	if ev.CallID != rec.ID {
		t.Fatalf("rang for %s, want %s", ev.CallID, rec.ID)
	}
	if ev.Record == nil || ev.Record.Offer == nil {
		t.Fatal("replayed ring carries no offer")
	}
	expectSilence(t, offers, "foreign or duplicate ring")

	// Ending the call clears the index and cancels the ring.
	ended := StatusEnded
	if err := s.UpdateCall(ctx, rec.ID, Patch{Status: &ended}); err != nil {
		t.Fatal(err)
	}
	cancel := recv(t, offers, "ring cancel")
	if !cancel.Cancelled || cancel.CallID != rec.ID {
		t.Fatalf("bad cancel event: %+v", cancel)
	}

	// A fresh watch sees nothing: the ended call left the index.
	late := make(chan OfferEvent, 8)
	unsub2, err := s.WatchOffers(ctx, callee, func(ev OfferEvent) { late <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub2()
	expectSilence(t, late, "ring after end")
}

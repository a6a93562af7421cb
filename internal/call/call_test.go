package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/signal"
)

const eventWait = 5 * time.Second

// party is one side of a test call: a manager plus its fake device,
// sharing the rig's store and loopback engine with the other side.
type party struct {
	id  Identity
	dev *media.FakeDevice
	mgr *Manager
}

type rig struct {
	store  *signal.MemoryStore
	engine *peer.LoopbackEngine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	return &rig{store: signal.NewMemoryStore(), engine: peer.NewLoopbackEngine()}
}

func (r *rig) party(t *testing.T, id string, tweak func(*Config)) *party {
	t.Helper()
	p := &party{
		id:  Identity{ID: id, Name: "user " + id},
		dev: &media.FakeDevice{},
	}
	cfg := Config{
		Self:        p.id,
		Store:       r.store,
		Device:      p.dev,
		Engine:      r.engine,
		RingTimeout: 0,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })
	p.mgr = mgr
	return p
}

// waitEvent reads events until one of the wanted type shows up.
func waitEvent(t *testing.T, p *party, typ EventType) Event {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		select {
		case ev := <-p.mgr.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: no %s event within %s", p.id.ID, typ, eventWait)
		}
	}
}

// waitStatus reads state events until the wanted status is reached.
func waitStatus(t *testing.T, p *party, want Status) {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		select {
		case ev := <-p.mgr.Events():
			if ev.Type == EventState && ev.Status == want {
				return
			}
		case <-deadline:
			t.Fatalf("%s: never reached %s", p.id.ID, want)
		}
	}
}

// connect dials alice into bob and drives both sides to active.
func connect(t *testing.T, alice, bob *party, kind signal.MediaKind) string {
	t.Helper()
	callID, err := alice.mgr.Call(bob.id, kind)
	if err != nil {
		t.Fatal(err)
	}
	ring := waitEvent(t, bob, EventRing)
	if ring.CallID != callID {
		t.Fatalf("ring for %s, dialed %s", ring.CallID, callID)
	}
	if ring.Peer.ID != alice.id.ID {
		t.Fatalf("ring from %s, want %s", ring.Peer.ID, alice.id.ID)
	}
	if err := bob.mgr.Accept(callID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, alice, StatusActive)
	waitStatus(t, bob, StatusActive)
	return callID
}

func TestVideoCallConnects(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)

	connect(t, alice, bob, signal.MediaVideo)

	// Caller built the first connection, callee the second.
	for _, id := range []string{"lc1", "lc2"} {
		conn := r.engine.Conn(id)
		if conn == nil {
			t.Fatalf("no loopback conn %s", id)
		}
		// Exactly one remote candidate, applied exactly once even
		// though it was buffered before the remote description.
		applied := conn.Applied()
		if len(applied) != 1 {
			t.Fatalf("conn %s applied %d candidates, want 1", id, len(applied))
		}
		if n := conn.AppliedCount(applied[0].Candidate); n != 1 {
			t.Fatalf("conn %s applied candidate %d times", id, n)
		}
		if got := len(conn.LocalTracks()); got != 2 {
			t.Fatalf("conn %s has %d outbound tracks, want audio+video", id, got)
		}
	}

	if alice.dev.Acquisitions() != 1 || bob.dev.Acquisitions() != 1 {
		t.Fatalf("device opened %d/%d times, want 1/1", alice.dev.Acquisitions(), bob.dev.Acquisitions())
	}
}

func TestRemoteStreamDelivered(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)

	callID, err := alice.mgr.Call(bob.id, signal.MediaVideo)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, bob, EventRing)
	if err := bob.mgr.Accept(callID); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, alice, EventRemoteStream)
	if ev.Remote == nil {
		t.Fatal("remote-stream event without stream")
	}
	waitEvent(t, bob, EventRemoteStream)
}

func TestHangupPropagates(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)
	callID := connect(t, alice, bob, signal.MediaAudio)

	alice.mgr.Hangup()

	if ev := waitEvent(t, alice, EventEnded); ev.Reason != ReasonHangup {
		t.Fatalf("local reason %s, want %s", ev.Reason, ReasonHangup)
	}
	if ev := waitEvent(t, bob, EventEnded); ev.Reason != ReasonRemoteHangup {
		t.Fatalf("remote reason %s, want %s", ev.Reason, ReasonRemoteHangup)
	}

	// The observing side garbage-collects the record.
	waitGone(t, r.store, callID)

	// Everyone's media is released.
	for _, p := range []*party{alice, bob} {
		for _, s := range p.dev.Streams() {
			if !s.Released() {
				t.Fatalf("%s: stream not released", p.id.ID)
			}
		}
	}
}

func TestDeclineWithoutTouchingDevice(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)

	callID, err := alice.mgr.Call(bob.id, signal.MediaVideo)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, bob, EventRing)
	if err := bob.mgr.Decline(callID); err != nil {
		t.Fatal(err)
	}

	if ev := waitEvent(t, alice, EventEnded); ev.Reason != ReasonRemoteDeclined {
		t.Fatalf("caller reason %s, want %s", ev.Reason, ReasonRemoteDeclined)
	}
	if ev := waitEvent(t, bob, EventEnded); ev.Reason != ReasonDeclined {
		t.Fatalf("callee reason %s, want %s", ev.Reason, ReasonDeclined)
	}
	if n := bob.dev.Acquisitions(); n != 0 {
		t.Fatalf("declining opened the device %d times", n)
	}
	waitGone(t, r.store, callID)
}

func TestCallerMediaFailureWritesNothing(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	r.party(t, "bob", nil)

	alice.dev.Err = media.ErrPermissionDenied
	if _, err := alice.mgr.Call(Identity{ID: "bob"}, signal.MediaVideo); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, alice, EventEnded)
	if ev.Reason != ReasonMediaError {
		t.Fatalf("reason %s, want %s", ev.Reason, ReasonMediaError)
	}
	if !errors.Is(ev.Err, media.ErrPermissionDenied) {
		t.Fatalf("cause %v, want permission denied", ev.Err)
	}
	// Nothing must have reached the store: the callee never rings.
	if _, err := r.store.GetCall(context.Background(), ev.CallID); !errors.Is(err, signal.ErrCallNotFound) {
		t.Fatalf("record exists after local media failure: %v", err)
	}
}

func TestCalleeMediaFailureDeclines(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)

	callID, err := alice.mgr.Call(bob.id, signal.MediaVideo)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, bob, EventRing)

	bob.dev.Err = media.ErrDeviceUnavailable
	if err := bob.mgr.Accept(callID); err != nil {
		t.Fatal(err)
	}

	if ev := waitEvent(t, bob, EventEnded); ev.Reason != ReasonMediaError {
		t.Fatalf("callee reason %s, want %s", ev.Reason, ReasonMediaError)
	}
	// The caller stops ringing: the broken callee reads as a decline.
	if ev := waitEvent(t, alice, EventEnded); ev.Reason != ReasonRemoteDeclined {
		t.Fatalf("caller reason %s, want %s", ev.Reason, ReasonRemoteDeclined)
	}
}

func TestStaleOfferNeverRings(t *testing.T) {
	r := newRig(t)

	// A leftover record from a crashed caller, written before the
	// callee came online.
	offer := signal.Description{Type: "offer", SDP: "loopback:lc99"}
	rec := &signal.CallRecord{
		ID: "stale-1", CallerID: "alice", CalleeID: "bob",
		MediaKind: signal.MediaAudio, Offer: &offer,
		Status: signal.StatusOffering, CreatedAt: time.Now().Add(-10 * time.Minute),
	}
	if err := r.store.CreateCall(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	bob := r.party(t, "bob", nil)
	select {
	case ev := <-bob.mgr.Events():
		t.Fatalf("stale offer produced %s event", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBusyLineIsDeclined(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)
	carol := r.party(t, "carol", nil)

	// Bob is ringing from alice; carol's offer must be declined
	// without disturbing the pending ring.
	firstID, err := alice.mgr.Call(bob.id, signal.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, bob, EventRing)

	if _, err := carol.mgr.Call(bob.id, signal.MediaAudio); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, carol, EventEnded); ev.Reason != ReasonRemoteDeclined {
		t.Fatalf("second caller reason %s, want %s", ev.Reason, ReasonRemoteDeclined)
	}

	// The first call still answers fine.
	if err := bob.mgr.Accept(firstID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, alice, StatusActive)
	waitStatus(t, bob, StatusActive)

	// And a dial while busy is refused locally.
	if _, err := bob.mgr.Call(carol.id, signal.MediaAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("dial while busy: %v, want ErrBusy", err)
	}
}

func TestCallerCancelStopsRing(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)

	callID, err := alice.mgr.Call(bob.id, signal.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, bob, EventRing)

	alice.mgr.Hangup()

	if ev := waitEvent(t, bob, EventRingCancelled); ev.CallID != callID {
		t.Fatalf("cancel for %s, want %s", ev.CallID, callID)
	}
	if err := bob.mgr.Accept(callID); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("accept after cancel: %v, want ErrNoSuchCall", err)
	}
}

func TestRingTimeout(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", func(c *Config) { c.RingTimeout = 100 * time.Millisecond })

	// Nobody is watching for bob's offers; the call must give up on
	// its own.
	if _, err := alice.mgr.Call(Identity{ID: "bob"}, signal.MediaAudio); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, alice, EventEnded); ev.Reason != ReasonRingTimeout {
		t.Fatalf("reason %s, want %s", ev.Reason, ReasonRingTimeout)
	}
}

func TestHangupIdempotent(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)
	connect(t, alice, bob, signal.MediaAudio)

	for i := 0; i < 3; i++ {
		alice.mgr.Hangup()
	}
	waitEvent(t, alice, EventEnded)

	// Exactly one ended event; further hangups are no-ops.
	select {
	case ev := <-alice.mgr.Events():
		if ev.Type == EventEnded {
			t.Fatal("duplicate ended event")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRecordRemovalEndsCall(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)
	callID := connect(t, alice, bob, signal.MediaAudio)

	// An external janitor (or TTL expiry) removes the record out from
	// under both sides.
	if err := r.store.DeleteCall(context.Background(), callID); err != nil {
		t.Fatal(err)
	}
	if ev := waitEvent(t, alice, EventEnded); ev.Reason != ReasonRemoteHangup {
		t.Fatalf("caller reason %s, want %s", ev.Reason, ReasonRemoteHangup)
	}
	if ev := waitEvent(t, bob, EventEnded); ev.Reason != ReasonRemoteHangup {
		t.Fatalf("callee reason %s, want %s", ev.Reason, ReasonRemoteHangup)
	}
}

func TestFlipCameraKeepsNegotiation(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)
	connect(t, alice, bob, signal.MediaVideo)

	conn := r.engine.Conn("lc1") // caller leg
	descsBefore := conn.Descriptions()
	var oldVideo media.Track
	for _, tr := range conn.LocalTracks() {
		if tr.Kind() == media.KindVideo {
			oldVideo = tr
		}
	}
	if oldVideo == nil {
		t.Fatal("no outbound video before flip")
	}

	if err := alice.mgr.FlipCamera(context.Background(), "environment"); err != nil {
		t.Fatal(err)
	}

	if got := conn.Descriptions(); got != descsBefore {
		t.Fatalf("flip renegotiated: %d descriptions, had %d", got, descsBefore)
	}
	var audio, video int
	for _, tr := range conn.LocalTracks() {
		switch tr.Kind() {
		case media.KindAudio:
			audio++
		case media.KindVideo:
			video++
			if tr == oldVideo {
				t.Fatal("video track not replaced")
			}
		}
	}
	if audio != 1 || video != 1 {
		t.Fatalf("outbound tracks %d audio / %d video, want 1/1", audio, video)
	}
	if !oldVideo.(*media.FakeTrack).Closed() {
		t.Fatal("old camera track still open")
	}
}

func TestFlipCameraOnAudioCallFails(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)
	connect(t, alice, bob, signal.MediaAudio)

	if err := alice.mgr.FlipCamera(context.Background(), "user"); err == nil {
		t.Fatal("camera flip on an audio call succeeded")
	}
}

func TestFlipCameraAfterEndFailsFast(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)
	connect(t, alice, bob, signal.MediaVideo)

	alice.mgr.mu.Lock()
	sess := alice.mgr.sess
	alice.mgr.mu.Unlock()
	if sess == nil {
		t.Fatal("no active session")
	}

	sess.Hangup()
	<-sess.Done()

	// A flip racing the teardown must fail promptly, never sit on an
	// event queue nobody reads anymore.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		err := sess.FlipCamera(ctx, "user")
		cancel()
		if !errors.Is(err, peer.ErrClosed) {
			t.Fatalf("flip %d after end: %v, want ErrClosed", i, err)
		}
	}
}

func TestCallHistory(t *testing.T) {
	r := newRig(t)
	hist := &fakeLog{}
	alice := r.party(t, "alice", func(c *Config) { c.Log = hist })
	bob := r.party(t, "bob", nil)

	callID := connect(t, alice, bob, signal.MediaAudio)
	alice.mgr.Hangup()
	waitEvent(t, alice, EventEnded)

	entries := hist.entries()
	if len(entries) != 1 {
		t.Fatalf("%d history entries, want 1", len(entries))
	}
	e := entries[0]
	if e.CallID != callID || e.PeerID != "bob" || e.Direction != "outgoing" || e.Reason != ReasonHangup {
		t.Fatalf("bad history entry: %+v", e)
	}
	if e.EndedAt.Before(e.StartedAt) {
		t.Fatalf("ended %s before started %s", e.EndedAt, e.StartedAt)
	}
}

func TestJournalKeepsRecentEvents(t *testing.T) {
	r := newRig(t)
	alice := r.party(t, "alice", nil)
	bob := r.party(t, "bob", nil)
	connect(t, alice, bob, signal.MediaAudio)
	alice.mgr.Hangup()
	waitEvent(t, alice, EventEnded)

	var sawEnded bool
	for _, ev := range alice.mgr.Journal() {
		if ev.Type == EventEnded {
			sawEnded = true
		}
	}
	if !sawEnded {
		t.Fatal("journal missing ended event")
	}
}

// waitGone polls until the record disappears from the store.
func waitGone(t *testing.T, store signal.Store, callID string) {
	t.Helper()
	deadline := time.Now().Add(eventWait)
	for time.Now().Before(deadline) {
		if _, err := store.GetCall(context.Background(), callID); errors.Is(err, signal.ErrCallNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record %s still in store", callID)
}

type fakeLog struct {
	mu  sync.Mutex
	all []LogEntry
}

func (l *fakeLog) Record(e LogEntry) error {
	l.mu.Lock()
	l.all = append(l.all, e)
	l.mu.Unlock()
	return nil
}

func (l *fakeLog) entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.all...)
}

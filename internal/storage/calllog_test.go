package storage

import (
	"testing"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/signal"
)

func entry(id, peer string, started time.Time, reason call.Reason) call.LogEntry {
	return call.LogEntry{
		CallID: id, PeerID: peer, PeerName: "user " + peer,
		Direction: "outgoing", Kind: signal.MediaAudio, Reason: reason,
		StartedAt: started, EndedAt: started.Add(90 * time.Second),
	}
}

func TestCallLogRoundTrip(t *testing.T) {
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := log.Record(entry("c1", "bob", base, call.ReasonHangup)); err != nil {
		t.Fatal(err)
	}
	if err := log.Record(entry("c2", "carol", base.Add(time.Hour), call.ReasonRemoteDeclined)); err != nil {
		t.Fatal(err)
	}

	got, err := log.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	// Newest first
	if got[0].CallID != "c2" || got[1].CallID != "c1" {
		t.Fatalf("wrong order: %s, %s", got[0].CallID, got[1].CallID)
	}
	if got[1].PeerID != "bob" || got[1].Reason != call.ReasonHangup || got[1].Kind != signal.MediaAudio {
		t.Fatalf("bad entry: %+v", got[1])
	}
	if !got[1].StartedAt.Equal(base) {
		t.Fatalf("started %s, want %s", got[1].StartedAt, base)
	}
}

func TestCallLogRecentLimit(t *testing.T) {
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := log.Record(entry("c"+string(rune('0'+i)), "bob", base.Add(time.Duration(i)*time.Minute), call.ReasonHangup)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := log.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
}

func TestCallLogPrune(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := log.Record(entry("old", "bob", base, call.ReasonHangup)); err != nil {
		t.Fatal(err)
	}
	if err := log.Record(entry("new", "bob", base.AddDate(0, 2, 0), call.ReasonHangup)); err != nil {
		t.Fatal(err)
	}

	n, err := log.Prune(base.AddDate(0, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	got, err := log.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CallID != "new" {
		t.Fatalf("wrong survivor: %+v", got)
	}
}

func TestOpenReopens(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Record(entry("c1", "bob", time.Now().UTC(), call.ReasonHangup)); err != nil {
		t.Fatal(err)
	}
	log.Close()

	log2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer log2.Close()
	got, err := log2.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("history lost across reopen: %d entries", len(got))
	}
}

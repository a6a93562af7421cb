package app

import "testing"

func TestEventPrinterDrainsEachTrackOnce(t *testing.T) {
	p := newEventPrinter()

	// The stream event repeats prior tracks when a new one arrives:
	// first audio alone, then audio and video together.
	if !p.firstSight("c1", "audio") {
		t.Fatal("first audio sighting not new")
	}
	if p.firstSight("c1", "audio") {
		t.Fatal("audio drained twice")
	}
	if !p.firstSight("c1", "video") {
		t.Fatal("first video sighting not new")
	}
	if p.firstSight("c1", "video") {
		t.Fatal("video drained twice")
	}

	// Same track id on a different call is a different track.
	if !p.firstSight("c2", "audio") {
		t.Fatal("track on second call not new")
	}

	// A finished call's tracks are forgotten; the next call may reuse
	// ids without being skipped.
	p.forget("c1")
	if !p.firstSight("c1", "audio") {
		t.Fatal("track not new after call ended")
	}
	if p.firstSight("c2", "audio") {
		t.Fatal("forget crossed call boundaries")
	}
}

package media

import (
	"context"
	"sync"
	"sync/atomic"
)

// FakeTrack is an inert track for tests and loopback wiring.
type FakeTrack struct {
	Label  string
	kind   TrackKind
	closed atomic.Bool
}

// NewFakeTrack creates a fake track of the given kind.
func NewFakeTrack(kind TrackKind, label string) *FakeTrack {
	return &FakeTrack{Label: label, kind: kind}
}

func (t *FakeTrack) Kind() TrackKind { return t.kind }

func (t *FakeTrack) Close() error {
	t.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (t *FakeTrack) Closed() bool { return t.closed.Load() }

// FakeDevice substitutes the capture seam in tests, the one external
// interface the engine is designed to have swapped out. It hands out
// fake tracks and counts acquisitions so tests can assert that, for
// example, declining a call never touches the device.
type FakeDevice struct {
	// Err, when set, is returned by every acquisition.
	Err error

	mu       sync.Mutex
	acquired int
	streams  []*Stream
}

func (d *FakeDevice) Acquire(_ context.Context, video bool, _ string) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.acquired++
	tracks := []Track{NewFakeTrack(KindAudio, "fake-mic")}
	if video {
		tracks = append(tracks, NewFakeTrack(KindVideo, "fake-cam"))
	}
	s := NewStream(tracks...)
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *FakeDevice) AcquireVideo(_ context.Context, facing string) (Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.acquired++
	return NewFakeTrack(KindVideo, "fake-cam-"+facing), nil
}

// Acquisitions reports how many times the device was opened.
func (d *FakeDevice) Acquisitions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

// Streams returns every stream handed out, in order.
func (d *FakeDevice) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// Package media owns local microphone/camera capture. Nothing else in
// the engine touches platform capture APIs; this seam is what a test
// suite swaps for a fake device.
package media

import (
	"context"
	"errors"
	"net"
	"sync"
)

// TrackKind discriminates the two track flavours of a stream.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

var (
	// ErrPermissionDenied means the platform refused device access.
	// Not retryable without user action.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrDeviceUnavailable means no usable capture device was found,
	// even after falling back to minimal constraints.
	ErrDeviceUnavailable = errors.New("media: no usable capture device")

	// ErrInsecureContext means capture was refused because the
	// signaling endpoint is neither TLS nor loopback.
	ErrInsecureContext = errors.New("media: insecure context")
)

// Track is one live capture track.
type Track interface {
	Kind() TrackKind
	Close() error
}

// Stream is an acquired set of local tracks. Release stops every track
// and is idempotent: both the session teardown and a deferred cleanup
// may call it.
type Stream struct {
	mu       sync.Mutex
	tracks   []Track
	released bool
}

// NewStream wraps already-acquired tracks.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns the live tracks. The slice must not be mutated.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return s.tracks
}

// Replace swaps old for new in place, so a later Release closes the
// replacement instead of a track that was already stopped. Returns
// false when old is not part of the stream.
func (s *Stream) Replace(old, next Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	for i, t := range s.tracks {
		if t == old {
			s.tracks[i] = next
			return true
		}
	}
	return false
}

// Released reports whether Release has run.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release stops and closes every track. Safe to call twice.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	for _, t := range tracks {
		_ = t.Close()
	}
}

// Device acquires local capture.
//
// Acquire opens microphone plus, when video is true, camera. facing is
// a hint ("user" or "environment") that the device may ignore.
// AcquireVideo opens a fresh video-only track for mid-call camera
// replacement; the caller installs it into the peer session and only
// then closes the old track, so there is no dark-frame gap.
type Device interface {
	Acquire(ctx context.Context, video bool, facing string) (*Stream, error)
	AcquireVideo(ctx context.Context, facing string) (Track, error)
}

// SecureContext reports whether media capture is allowed for a
// signaling endpoint: TLS always, plaintext only on loopback. Mirrors
// the platform rule that capture APIs require a secure context.
func SecureContext(useTLS bool, endpoint string) bool {
	if useTLS {
		return true
	}
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	if host == "localhost" || host == "" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

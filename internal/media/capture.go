package media

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// CaptureOptions configure the real capture device.
type CaptureOptions struct {
	// SignalingTLS and SignalingEndpoint feed the secure-context gate:
	// capture is refused when the signaling endpoint is plaintext and
	// not loopback.
	SignalingTLS      bool
	SignalingEndpoint string

	// VideoBitrate in bits/s for the VP8 encoder. 0 uses the default.
	VideoBitrate int

	// MaxWidth/MaxHeight cap the capture resolution under ideal
	// constraints. 0 uses the defaults (640x480).
	MaxWidth  int
	MaxHeight int
}

// CaptureDevice is the production Device backed by pion/mediadevices.
type CaptureDevice struct {
	opts CaptureOptions
}

// NewCaptureDevice builds the device. Construction is cheap; no
// hardware is touched until Acquire.
func NewCaptureDevice(opts CaptureOptions) *CaptureDevice {
	if opts.VideoBitrate == 0 {
		opts.VideoBitrate = 1_500_000
	}
	if opts.MaxWidth == 0 {
		opts.MaxWidth = 640
	}
	if opts.MaxHeight == 0 {
		opts.MaxHeight = 480
	}
	return &CaptureDevice{opts: opts}
}

// Acquire opens local capture with graceful constraint fallback.
// Device constraint negotiation is unreliable across cameras and
// drivers, so the ideal set (resolution cap, facing hint, raw frame
// formats) is tried first and a minimal set second; only when both
// fail does the error surface.
func (d *CaptureDevice) Acquire(ctx context.Context, video bool, facing string) (*Stream, error) {
	if !SecureContext(d.opts.SignalingTLS, d.opts.SignalingEndpoint) {
		return nil, ErrInsecureContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type attempt struct {
		ideal bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{{true, "ideal"}, {false, "minimal"}} {
		stream, err := d.getUserMedia(video, facing, a.ideal)
		if err != nil {
			log.Printf("MEDIA: capture (%s) failed: %v", a.label, err)
			if errors.Is(err, ErrPermissionDenied) {
				// Looser constraints cannot fix a denied permission.
				return nil, err
			}
			lastErr = err
			continue
		}
		log.Printf("MEDIA: local capture ready (%s), %d tracks", a.label, len(stream.Tracks()))
		return stream, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr)
}

// AcquireVideo opens a fresh video-only track for camera replacement.
// No fallback chain here beyond the one in Acquire's path: the call is
// already up, so a failed flip leaves the current track in place.
func (d *CaptureDevice) AcquireVideo(ctx context.Context, facing string) (Track, error) {
	if !SecureContext(d.opts.SignalingTLS, d.opts.SignalingEndpoint) {
		return nil, ErrInsecureContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track, err := d.getVideoTrack(facing)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return track, nil
}

//go:build !linux || !cgo

package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Native capture is wired for Linux (V4L2 + malgo). Other platforms
// run receive-only until their mediadevices drivers are brought in.

func (d *CaptureDevice) getUserMedia(bool, string, bool) (*Stream, error) {
	return nil, errors.New("native capture not supported on this platform")
}

func (d *CaptureDevice) getVideoTrack(string) (Track, error) {
	return nil, errors.New("native capture not supported on this platform")
}

// PopulateMediaEngine falls back to the default codec set so a
// receive-only peer connection still negotiates.
func (d *CaptureDevice) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

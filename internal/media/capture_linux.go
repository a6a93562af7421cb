//go:build linux && cgo

package media

import (
	"errors"
	"log"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureTrack adapts a mediadevices track to the Device seam.
type captureTrack struct {
	t mediadevices.Track
}

func (c *captureTrack) Kind() TrackKind {
	if c.t.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (c *captureTrack) Close() error { return c.t.Close() }

// LocalTrack exposes the underlying track for the pion peer engine.
func (c *captureTrack) LocalTrack() webrtc.TrackLocal { return c.t }

// newCodecSelector builds the VP8+Opus selector shared by capture and
// the peer engine's media engine.
func (d *CaptureDevice) newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = d.opts.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// PopulateMediaEngine registers the capture codecs on a webrtc media
// engine so the peer connection negotiates what the encoder produces.
func (d *CaptureDevice) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	sel, err := d.newCodecSelector()
	if err != nil {
		return err
	}
	sel.Populate(me)
	return nil
}

func (d *CaptureDevice) getUserMedia(video bool, facing string, ideal bool) (*Stream, error) {
	sel, err := d.newCodecSelector()
	if err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: sel}
	if video {
		deviceID := d.videoDeviceFor(facing)
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if !ideal {
				return
			}
			if deviceID != "" {
				c.DeviceID = prop.StringExact(deviceID)
			}
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node
			// that produces malformed JPEG frames and poisons the VP8
			// encoder. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Higher resolutions increase VP8 encoding latency.
			c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
			c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
		}
	}
	// Echo cancellation and noise suppression ride on the platform
	// driver defaults; mediadevices exposes no portable knob for them.
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, mapCaptureError(err)
	}

	tracks := make([]Track, 0, 2)
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
		tracks = append(tracks, &captureTrack{t: t})
	}
	if len(tracks) == 0 {
		return nil, errors.New("no tracks captured")
	}
	return NewStream(tracks...), nil
}

func (d *CaptureDevice) getVideoTrack(facing string) (Track, error) {
	sel, err := d.newCodecSelector()
	if err != nil {
		return nil, err
	}

	deviceID := d.videoDeviceFor(facing)
	constraints := mediadevices.MediaStreamConstraints{
		Codec: sel,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.StringExact(deviceID)
			}
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
			c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
		},
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, mapCaptureError(err)
	}
	for _, t := range stream.GetTracks() {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return &captureTrack{t: t}, nil
		}
		t.Close()
	}
	return nil, errors.New("no video track captured")
}

// videoDeviceFor picks a camera whose label matches the facing hint.
// V4L2 has no facing metadata, so this is a best-effort label match;
// an empty result means "let the driver choose".
func (d *CaptureDevice) videoDeviceFor(facing string) string {
	if facing == "" {
		return ""
	}
	for _, dev := range mediadevices.EnumerateDevices() {
		if dev.Kind != mediadevices.VideoInput {
			continue
		}
		if strings.Contains(strings.ToLower(dev.Label), strings.ToLower(facing)) {
			log.Printf("MEDIA: facing %q matched device %q", facing, dev.Label)
			return dev.DeviceID
		}
	}
	return ""
}

// mapCaptureError folds driver errors into the adapter taxonomy.
func mapCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return ErrPermissionDenied
	}
	return err
}

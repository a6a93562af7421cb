package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/signal"
)

// EngineConfig configures the production pion engine.
type EngineConfig struct {
	// STUNURLs seed ICE gathering. Empty uses a public Google server.
	STUNURLs []string

	// PopulateMedia registers codecs on the media engine; wired to the
	// capture device so the connection negotiates what the encoder
	// produces. Nil registers pion's defaults.
	PopulateMedia func(*webrtc.MediaEngine) error
}

// PionEngine creates real peer connections via pion/webrtc.
type PionEngine struct {
	cfg EngineConfig
}

// NewPionEngine builds the engine.
func NewPionEngine(cfg EngineConfig) *PionEngine {
	if len(cfg.STUNURLs) == 0 {
		cfg.STUNURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return &PionEngine{cfg: cfg}
}

func (e *PionEngine) NewConn() (Conn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if e.cfg.PopulateMedia != nil {
		if err := e.cfg.PopulateMedia(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call; the 5 s default is far too short
	// for relay paths with short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(e.cfg.STUNURLs))
	for _, u := range e.cfg.STUNURLs {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &pionConn{pc: pc}
	c.install()
	return c, nil
}

// pionConn adapts *webrtc.PeerConnection to the Conn seam. Handlers are
// dispatched through its own guarded fields so detaching them is
// guaranteed even if pion fires late.
type pionConn struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(signal.Candidate)
	onTrack     func(RemoteTrack)
	onState     func(ConnState)
}

func (c *pionConn) install() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end-of-gathering marker
		}
		init := cand.ToJSON()
		out := signal.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(out)
		}
	})
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(&pionRemoteTrack{tr: tr})
		}
	})
	c.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		mapped, ok := mapConnState(st)
		if !ok {
			return
		}
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapped)
		}
	})
}

func mapConnState(st webrtc.PeerConnectionState) (ConnState, bool) {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	default:
		return "", false
	}
}

func (c *pionConn) OnICECandidate(fn func(signal.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *pionConn) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *pionConn) AddLocalTrack(t media.Track) error {
	src, ok := t.(interface{ LocalTrack() webrtc.TrackLocal })
	if !ok {
		return fmt.Errorf("track %T cannot attach to a pion connection", t)
	}
	_, err := c.pc.AddTrack(src.LocalTrack())
	return err
}

func (c *pionConn) CreateOffer(_ context.Context) (signal.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	// Local description is set right away; candidates trickle through
	// OnICECandidate rather than blocking on full gathering.
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return signal.Description{}, err
	}
	return signal.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer(_ context.Context) (signal.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return signal.Description{}, err
	}
	return signal.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *pionConn) SetRemoteDescription(d signal.Description) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (c *pionConn) AddICECandidate(cand signal.Candidate) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *pionConn) ReplaceVideoTrack(t media.Track) error {
	src, ok := t.(interface{ LocalTrack() webrtc.TrackLocal })
	if !ok {
		return fmt.Errorf("track %T cannot attach to a pion connection", t)
	}
	for _, sender := range c.pc.GetSenders() {
		cur := sender.Track()
		if cur == nil || cur.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		return sender.ReplaceTrack(src.LocalTrack())
	}
	return fmt.Errorf("no outbound video sender")
}

func (c *pionConn) Close() error {
	c.mu.Lock()
	c.onCandidate = nil
	c.onTrack = nil
	c.onState = nil
	c.mu.Unlock()
	return c.pc.Close()
}

// pionRemoteTrack wraps an inbound RTP track.
type pionRemoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string { return t.tr.ID() }

func (t *pionRemoteTrack) Kind() media.TrackKind {
	if t.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

// Native exposes the underlying track for consumers that render or
// drain the RTP stream.
func (t *pionRemoteTrack) Native() *webrtc.TrackRemote { return t.tr }

// Package app wires config, signaling store, capture device and call
// manager into a runnable peer. The headless runner either waits for
// incoming calls or dials a peer, driven by stdin commands.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/signal"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Callee, when set, dials that peer on startup instead of idling.
	Callee string
	// Video selects audio+video for the outgoing call.
	Video bool
}

// NewIdentity generates a fresh peer id for first-run config files.
func NewIdentity() string { return uuid.NewString() }

// Run starts the peer and blocks until ctx is cancelled or, in dial
// mode, until the call ends.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	store, err := signal.NewRedisStore(signal.RedisConfig{
		Addr:     cfg.Signal.RedisAddr,
		Password: cfg.Signal.RedisPassword,
		DB:       cfg.Signal.RedisDB,
		UseTLS:   cfg.Signal.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("connect signaling store: %w", err)
	}
	defer store.Close()

	device := media.NewCaptureDevice(media.CaptureOptions{
		SignalingTLS:      cfg.Signal.UseTLS,
		SignalingEndpoint: cfg.Signal.RedisAddr,
		VideoBitrate:      cfg.Media.VideoBitrate,
		MaxWidth:          cfg.Media.MaxWidth,
		MaxHeight:         cfg.Media.MaxHeight,
	})

	engine := peer.NewPionEngine(peer.EngineConfig{
		STUNURLs:      cfg.ICE.STUNURLs,
		PopulateMedia: device.PopulateMediaEngine,
	})

	mgrCfg := call.Config{
		Self: call.Identity{
			ID:        cfg.Identity.ID,
			Name:      cfg.Identity.Name,
			AvatarURL: cfg.Identity.AvatarURL,
		},
		Store:       store,
		Device:      device,
		Engine:      engine,
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		StaleAfter:  time.Duration(cfg.Call.StaleOfferSec) * time.Second,
	}

	if cfg.History.Enabled {
		histDir := util.ResolvePath(opt.PeerDir, cfg.History.Dir)
		hist, err := storage.Open(histDir)
		if err != nil {
			return fmt.Errorf("open call history: %w", err)
		}
		defer hist.Close()
		mgrCfg.Log = hist
		log.Printf("APP [%s]: call history at %s", cfg.Identity.ID, hist.Path())
	}

	mgr, err := call.NewManager(mgrCfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	if opt.Callee != "" {
		return runDial(ctx, mgr, opt)
	}
	return runWait(ctx, mgr)
}

// runDial places one call and returns when it ends.
func runDial(ctx context.Context, mgr *call.Manager, opt Options) error {
	callee, err := util.ValidatePeerID(opt.Callee)
	if err != nil {
		return fmt.Errorf("callee: %w", err)
	}
	kind := signal.MediaAudio
	if opt.Video {
		kind = signal.MediaVideo
	}

	callID, err := mgr.Call(call.Identity{ID: callee}, kind)
	if err != nil {
		return fmt.Errorf("dial %s: %w", callee, err)
	}
	fmt.Printf("Calling %s (%s)...\n", callee, kind)

	go readCommands(ctx, mgr)

	printer := newEventPrinter()
	for {
		select {
		case <-ctx.Done():
			mgr.Hangup()
			return nil
		case ev := <-mgr.Events():
			printer.print(ev)
			if ev.Type == call.EventEnded && ev.CallID == callID {
				return nil
			}
		}
	}
}

// runWait idles until interrupted, ringing on inbound offers.
func runWait(ctx context.Context, mgr *call.Manager) error {
	fmt.Println("Waiting for calls. Commands: a=accept  d=decline  h=hangup  f=flip camera  q=quit")

	go readCommands(ctx, mgr)

	printer := newEventPrinter()
	for {
		select {
		case <-ctx.Done():
			mgr.Hangup()
			return nil
		case ev := <-mgr.Events():
			printer.print(ev)
		}
	}
}

// readCommands maps single-letter stdin commands onto the manager. The
// pending ring id is whatever rang last; a second offer would have been
// auto-declined, so there is never more than one.
func readCommands(ctx context.Context, mgr *call.Manager) {
	in := bufio.NewScanner(os.Stdin)
	var lastRing string

	// Track ring ids off the journal so a command typed after the
	// event was printed still finds its call.
	ringID := func() string {
		for _, ev := range mgr.Journal() {
			switch ev.Type {
			case call.EventRing:
				lastRing = ev.CallID
			case call.EventRingCancelled, call.EventEnded:
				if ev.CallID == lastRing {
					lastRing = ""
				}
			}
		}
		return lastRing
	}

	for in.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(strings.ToLower(in.Text())) {
		case "a":
			if id := ringID(); id != "" {
				if err := mgr.Accept(id); err != nil {
					fmt.Printf("accept: %v\n", err)
				}
			} else {
				fmt.Println("No call is ringing.")
			}
		case "d":
			if id := ringID(); id != "" {
				if err := mgr.Decline(id); err != nil {
					fmt.Printf("decline: %v\n", err)
				}
			} else {
				fmt.Println("No call is ringing.")
			}
		case "h":
			mgr.Hangup()
		case "f":
			if err := mgr.FlipCamera(ctx, "environment"); err != nil {
				fmt.Printf("flip camera: %v\n", err)
			}
		case "q":
			mgr.Hangup()
			return
		case "":
		default:
			fmt.Println("Commands: a=accept  d=decline  h=hangup  f=flip camera  q=quit")
		}
	}
}

// eventPrinter renders manager events and owns one drain goroutine per
// remote track. The stream event repeats the full track list every time
// a track is added, so already-drained tracks must be skipped.
type eventPrinter struct {
	drained map[string]struct{}
}

func newEventPrinter() *eventPrinter {
	return &eventPrinter{drained: make(map[string]struct{})}
}

// firstSight marks a track as drained and reports whether it was new.
func (p *eventPrinter) firstSight(callID, trackID string) bool {
	key := callID + "/" + trackID
	if _, ok := p.drained[key]; ok {
		return false
	}
	p.drained[key] = struct{}{}
	return true
}

// forget drops a finished call's tracks from the drained set.
func (p *eventPrinter) forget(callID string) {
	prefix := callID + "/"
	for key := range p.drained {
		if strings.HasPrefix(key, prefix) {
			delete(p.drained, key)
		}
	}
}

func (p *eventPrinter) print(ev call.Event) {
	switch ev.Type {
	case call.EventRing:
		name := ev.Peer.Name
		if name == "" {
			name = ev.Peer.ID
		}
		fmt.Printf("\n☎  Incoming %s call from %s: [a]ccept / [d]ecline\n", ev.Kind, name)
	case call.EventRingCancelled:
		fmt.Println("Caller hung up before you answered.")
	case call.EventState:
		fmt.Printf("Call %s: %s\n", ev.CallID, ev.Status)
	case call.EventRemoteStream:
		for _, tr := range ev.Remote.Tracks() {
			if !p.firstSight(ev.CallID, tr.ID()) {
				continue
			}
			fmt.Printf("Receiving remote %s track %s\n", tr.Kind(), tr.ID())
			drainTrack(tr)
		}
	case call.EventEnded:
		p.forget(ev.CallID)
		if ev.Err != nil {
			fmt.Printf("Call ended (%s): %v\n", ev.Reason, ev.Err)
		} else {
			fmt.Printf("Call ended (%s)\n", ev.Reason)
		}
	}
}

// drainTrack keeps inbound RTP flowing. A headless peer has no
// renderer; without a reader the interceptor chain stalls and the
// sender backs off.
func drainTrack(tr peer.RemoteTrack) {
	native, ok := tr.(interface{ Native() *webrtc.TrackRemote })
	if !ok {
		return
	}
	go func() {
		buf := make([]byte, 1500)
		r := native.Native()
		for {
			if _, _, err := r.Read(buf); err != nil {
				return
			}
		}
	}()
}

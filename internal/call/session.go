package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/signal"
)

// signalTimeout bounds individual store writes during teardown and
// setup. Local state never waits longer than this on the store.
const signalTimeout = 10 * time.Second

// disconnectGrace is how long a disconnected transport may linger
// before the call is declared failed. ICE flaps recover within this
// window, and a remote hangup's record update normally arrives well
// inside it, so "they hung up" is not misreported as a network failure.
const disconnectGrace = 3 * time.Second

// Session is one call attempt, outgoing or incoming. Every external
// stimulus (store watches, peer-connection callbacks, user commands,
// timers) is posted as a typed event onto one channel and handled by
// a single goroutine, so races between callbacks are resolved by
// serialization instead of scattered locking.
type Session struct {
	id     string
	role   peer.Role
	kind   signal.MediaKind
	self   Identity
	remote Identity

	store  signal.Store
	device media.Device
	engine peer.Engine

	emit  func(Event)
	onEnd func(*Session, Reason)

	events chan any
	done   chan struct{}

	// Loop-owned; only the run goroutine and the pre-loop setup touch
	// these.
	status     Status
	mirrorMu   sync.Mutex
	mirror     Status // copy of status for concurrent readers
	ps         *peer.Session
	local      *media.Stream
	unsubs     []signal.Unsubscribe
	recCreated bool
	answered   bool
	ringTimer  *time.Timer
	discTimer  *time.Timer

	startedAt time.Time
	endedAt   time.Time
	endReason Reason
}

// Session-internal events.
type (
	evRecord      struct{ ev signal.RecordEvent }
	evCandidate   struct{ c signal.Candidate }
	evConnState   struct{ st peer.ConnState }
	evTrack       struct{ rs *peer.RemoteStream }
	evHangup      struct{}
	evRingTimeout struct{}
	evDiscTimeout struct{}
	evFlip        struct {
		facing string
		reply  chan error
	}
)

type sessionConfig struct {
	self        Identity
	remote      Identity
	kind        signal.MediaKind
	store       signal.Store
	device      media.Device
	engine      peer.Engine
	ringTimeout time.Duration
	emit        func(Event)
	onEnd       func(*Session, Reason)
}

func newSession(cfg sessionConfig, id string, role peer.Role, status Status) *Session {
	s := &Session{
		id:        id,
		role:      role,
		kind:      cfg.kind,
		self:      cfg.self,
		remote:    cfg.remote,
		store:     cfg.store,
		device:    cfg.device,
		engine:    cfg.engine,
		emit:      cfg.emit,
		onEnd:     cfg.onEnd,
		events:    make(chan any, 128),
		done:      make(chan struct{}),
		status:    status,
		mirror:    status,
		startedAt: time.Now(),
	}
	return s
}

// newOutgoingSession starts the caller protocol in the background.
func newOutgoingSession(cfg sessionConfig) *Session {
	s := newSession(cfg, uuid.NewString(), peer.RoleCaller, StatusOutgoing)
	go func() {
		if s.dial(cfg.ringTimeout) {
			s.run()
		}
	}()
	return s
}

// newCalleeSession starts the callee protocol for an accepted offer.
func newCalleeSession(cfg sessionConfig, rec *signal.CallRecord) *Session {
	s := newSession(cfg, rec.ID, peer.RoleCallee, StatusIncoming)
	go func() {
		if s.answer(rec) {
			s.run()
		}
	}()
	return s
}

// ID returns the call record id.
func (s *Session) ID() string { return s.id }

// Role returns caller or callee.
func (s *Session) Role() peer.Role { return s.role }

// Status is safe for concurrent readers.
func (s *Session) Status() Status {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	return s.mirror
}

// Done is closed when the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Hangup requests local teardown. Safe from any goroutine, any state,
// any number of times.
func (s *Session) Hangup() { s.post(evHangup{}) }

// FlipCamera swaps the outbound camera without renegotiating. Blocks
// until the swap completed or failed.
func (s *Session) FlipCamera(ctx context.Context, facing string) error {
	reply := make(chan error, 1)
	select {
	case s.events <- evFlip{facing: facing, reply: reply}:
	case <-s.done:
		return peer.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		// The loop may have answered just before exiting.
		select {
		case err := <-reply:
			return err
		default:
		}
		return peer.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues one event unless the session already ended.
func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) setStatus(st Status) {
	s.status = st
	s.mirrorMu.Lock()
	s.mirror = st
	s.mirrorMu.Unlock()
	s.emit(Event{Type: EventState, CallID: s.id, Status: st, Peer: s.remote, Kind: s.kind, Time: time.Now()})
}

// dial runs the caller protocol up to the point where everything else
// is event-driven. Returns false when the session already terminated.
func (s *Session) dial(ringTimeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	// 1. Local media first: on failure nothing was written remotely,
	// so the other side never learns a call was attempted.
	local, err := s.device.Acquire(ctx, s.kind == signal.MediaVideo, "")
	if err != nil {
		s.terminate(ReasonMediaError, err)
		return false
	}
	s.local = local

	// 2. Bare record before the peer connection exists: trickled
	// candidates need somewhere to land, and readers ignore offering
	// records with no offer body yet.
	rec := &signal.CallRecord{
		ID:           s.id,
		CallerID:     s.self.ID,
		CalleeID:     s.remote.ID,
		CallerName:   s.self.Name,
		CallerAvatar: s.self.AvatarURL,
		MediaKind:    s.kind,
		Status:       signal.StatusOffering,
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateCall(ctx, rec); err != nil {
		s.terminate(ReasonSignalingError, fmt.Errorf("create call record: %w", err))
		return false
	}
	s.recCreated = true

	// 3. Watches before the offer write so an instant answer cannot
	// slip between the write and the subscription.
	if !s.watchRecord(ctx) || !s.watchCandidates(ctx) {
		return false
	}

	// 4. Peer connection, tracks attached before the offer.
	ps, err := peer.NewSession(peer.Config{
		Role:    peer.RoleCaller,
		CallID:  s.id,
		Store:   s.store,
		Engine:  s.engine,
		Local:   s.local,
		OnTrack: func(rs *peer.RemoteStream) { s.post(evTrack{rs}) },
		OnState: func(st peer.ConnState) { s.post(evConnState{st}) },
	})
	if err != nil {
		s.terminate(ReasonConnectionFailed, err)
		return false
	}
	s.ps = ps

	offer, err := ps.CreateOffer(ctx)
	if err != nil {
		s.terminate(ReasonConnectionFailed, err)
		return false
	}
	// A caller that cannot publish its offer has no call; fail locally.
	if err := s.store.UpdateCall(ctx, s.id, signal.Patch{Offer: &offer}); err != nil {
		s.terminate(ReasonSignalingError, fmt.Errorf("write offer: %w", err))
		return false
	}

	if ringTimeout > 0 {
		s.ringTimer = time.AfterFunc(ringTimeout, func() { s.post(evRingTimeout{}) })
	}
	log.Printf("CALL [%s]: offering %s -> %s (%s)", s.id, s.self.ID, s.remote.ID, s.kind)
	return true
}

// answer runs the callee protocol for an accepted offer. Returns false
// when the session already terminated.
func (s *Session) answer(rec *signal.CallRecord) bool {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	s.recCreated = true // record exists, the caller made it

	local, err := s.device.Acquire(ctx, s.kind == signal.MediaVideo, "")
	if err != nil {
		// Declined-on-error so the caller stops ringing instead of
		// waiting forever on a callee with a broken camera.
		s.terminate(ReasonMediaError, err)
		return false
	}
	s.local = local

	if !s.watchRecord(ctx) || !s.watchCandidates(ctx) {
		return false
	}

	ps, err := peer.NewSession(peer.Config{
		Role:    peer.RoleCallee,
		CallID:  s.id,
		Store:   s.store,
		Engine:  s.engine,
		Local:   s.local,
		OnTrack: func(rs *peer.RemoteStream) { s.post(evTrack{rs}) },
		OnState: func(st peer.ConnState) { s.post(evConnState{st}) },
	})
	if err != nil {
		s.terminate(ReasonConnectionFailed, err)
		return false
	}
	s.ps = ps

	if err := ps.SetRemoteDescription(*rec.Offer); err != nil {
		s.terminate(ReasonConnectionFailed, err)
		return false
	}
	answer, err := ps.CreateAnswer(ctx)
	if err != nil {
		s.terminate(ReasonConnectionFailed, err)
		return false
	}

	// Answer and status land in one write; no reader ever sees
	// status=answered with a missing answer body.
	st := signal.StatusAnswered
	if err := s.store.UpdateCall(ctx, s.id, signal.Patch{Answer: &answer, Status: &st}); err != nil {
		s.terminate(ReasonSignalingError, fmt.Errorf("write answer: %w", err))
		return false
	}
	s.answered = true
	s.setStatus(StatusConnecting)
	log.Printf("CALL [%s]: answered %s <- %s (%s)", s.id, s.self.ID, s.remote.ID, s.kind)
	return true
}

func (s *Session) watchRecord(ctx context.Context) bool {
	unsub, err := s.store.WatchCall(ctx, s.id, func(ev signal.RecordEvent) {
		s.post(evRecord{ev})
	})
	if err != nil {
		s.terminate(ReasonSignalingError, fmt.Errorf("watch call record: %w", err))
		return false
	}
	s.unsubs = append(s.unsubs, unsub)
	return true
}

func (s *Session) watchCandidates(ctx context.Context) bool {
	// We read the other side's list; ours is written by the peer
	// session's candidate callback.
	var dir signal.Direction
	if s.role == peer.RoleCaller {
		dir = signal.AnswererCandidates
	} else {
		dir = signal.OffererCandidates
	}
	unsub, err := s.store.WatchCandidates(ctx, s.id, dir, func(c signal.Candidate) {
		s.post(evCandidate{c})
	})
	if err != nil {
		s.terminate(ReasonSignalingError, fmt.Errorf("watch candidates: %w", err))
		return false
	}
	s.unsubs = append(s.unsubs, unsub)
	return true
}

// run is the single serialized transition loop.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
			if s.status == StatusEnded {
				return
			}
		}
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case evRecord:
		s.handleRecord(ev.ev)
	case evCandidate:
		s.ps.AddRemoteCandidate(ev.c)
	case evConnState:
		s.handleConnState(ev.st)
	case evTrack:
		s.emit(Event{Type: EventRemoteStream, CallID: s.id, Remote: ev.rs, Peer: s.remote, Kind: s.kind, Time: time.Now()})
	case evHangup:
		s.terminate(ReasonHangup, nil)
	case evRingTimeout:
		if s.status == StatusOutgoing {
			log.Printf("CALL [%s]: no answer after ring timeout", s.id)
			s.terminate(ReasonRingTimeout, nil)
		}
	case evDiscTimeout:
		s.terminate(ReasonConnectionFailed, nil)
	case evFlip:
		ev.reply <- s.flipCamera(ev.facing)
	}
}

func (s *Session) handleRecord(ev signal.RecordEvent) {
	// Removal is indistinguishable from ended on purpose: either way
	// the remote side is gone and cleanup proceeds.
	if ev.Removed {
		s.terminate(ReasonRemoteHangup, nil)
		return
	}
	switch ev.Record.Status {
	case signal.StatusDeclined:
		s.terminate(ReasonRemoteDeclined, nil)
		return
	case signal.StatusEnded:
		s.terminate(ReasonRemoteHangup, nil)
		return
	}

	if s.role == peer.RoleCaller && ev.Record.Answer != nil && !s.ps.HasRemoteDescription() {
		if err := s.ps.SetRemoteDescription(*ev.Record.Answer); err != nil {
			s.terminate(ReasonConnectionFailed, err)
			return
		}
		s.stopRingTimer()
		s.setStatus(StatusConnecting)
	}
}

func (s *Session) handleConnState(st peer.ConnState) {
	switch st {
	case peer.StateConnected:
		s.stopRingTimer()
		s.stopDiscTimer()
		if s.status != StatusActive {
			s.setStatus(StatusActive)
		}
	case peer.StateDisconnected:
		// Transient by contract: ICE may restore the pair, and a
		// remote hangup shows up here first. Grant a grace window in
		// which the record update, if any, names the real reason.
		if s.discTimer == nil {
			log.Printf("CALL [%s]: transport disconnected, waiting %s", s.id, disconnectGrace)
			s.discTimer = time.AfterFunc(disconnectGrace, func() { s.post(evDiscTimeout{}) })
		}
	case peer.StateFailed:
		s.terminate(ReasonConnectionFailed, nil)
	case peer.StateConnecting:
		if s.status == StatusOutgoing || s.status == StatusIncoming {
			s.setStatus(StatusConnecting)
		}
	}
}

func (s *Session) flipCamera(facing string) error {
	if s.kind != signal.MediaVideo {
		return fmt.Errorf("no video on an %s call", s.kind)
	}
	if s.status != StatusActive && s.status != StatusConnecting {
		return fmt.Errorf("cannot flip camera while %s", s.status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	track, err := s.device.AcquireVideo(ctx, facing)
	if err != nil {
		return err
	}
	old, err := s.ps.ReplaceOutboundVideoTrack(track)
	if err != nil {
		track.Close()
		return err
	}
	// Old track stops only after the new one is live, so no dark frame.
	if old != nil {
		old.Close()
	}
	log.Printf("CALL [%s]: camera flipped (%s)", s.id, facing)
	return nil
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) stopDiscTimer() {
	if s.discTimer != nil {
		s.discTimer.Stop()
		s.discTimer = nil
	}
}

// terminate is the one teardown path for every trigger: hangup, remote
// end, decline, timeout, media or signaling failure. Idempotent: a
// local hangup racing a remote ended notification runs it once; the
// second invocation finds Ended and returns.
func (s *Session) terminate(reason Reason, cause error) {
	if s.status == StatusEnded {
		return
	}
	s.status = StatusEnded
	s.mirrorMu.Lock()
	s.mirror = StatusEnded
	s.mirrorMu.Unlock()
	s.endReason = reason
	s.endedAt = time.Now()

	s.stopRingTimer()
	s.stopDiscTimer()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	// Local resources go first; remote convergence must never delay
	// or block them.
	if s.ps != nil {
		s.ps.Close() // closes the connection and releases local media
	} else if s.local != nil {
		s.local.Release()
	}

	s.converge(reason)

	close(s.done)
	// The loop exits without looking at the queue again; fail any flip
	// still waiting for an answer.
drain:
	for {
		select {
		case ev := <-s.events:
			if f, ok := ev.(evFlip); ok {
				f.reply <- peer.ErrClosed
			}
		default:
			break drain
		}
	}
	s.emit(Event{Type: EventEnded, CallID: s.id, Status: StatusEnded, Reason: reason, Err: cause, Peer: s.remote, Kind: s.kind, Time: s.endedAt})
	if s.onEnd != nil {
		s.onEnd(s, reason)
	}
	if cause != nil {
		log.Printf("CALL [%s]: ended (%s): %v", s.id, reason, cause)
	} else {
		log.Printf("CALL [%s]: ended (%s)", s.id, reason)
	}
}

// converge pushes the terminal state to the store, best-effort and off
// the teardown path. The side that observed the remote end deletes the
// record (it tears down last); the initiating side writes the terminal
// status and leaves deletion to the observer.
func (s *Session) converge(reason Reason) {
	if !s.recCreated {
		return // media failed before anything was written
	}
	store, id := s.store, s.id
	writeDecline := s.role == peer.RoleCallee && !s.answered && reason == ReasonMediaError

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		switch {
		case reason == ReasonRemoteHangup || reason == ReasonRemoteDeclined:
			if err := store.DeleteCall(ctx, id); err != nil {
				log.Printf("CALL [%s]: delete record: %v", id, err)
			}
		case writeDecline:
			if err := store.UpdateCall(ctx, id, signal.StatusPatch(signal.StatusDeclined)); err != nil {
				log.Printf("CALL [%s]: write declined: %v", id, err)
			}
		default:
			if err := store.UpdateCall(ctx, id, signal.StatusPatch(signal.StatusEnded)); err != nil {
				log.Printf("CALL [%s]: write ended: %v", id, err)
			}
		}
	}()
}

package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/signal"
	"github.com/petervdpas/peercall/internal/util"
)

var (
	// ErrBusy means a call or a pending ring already occupies the line.
	ErrBusy = errors.New("call: line busy")
	// ErrNoSuchCall means the referenced call is not the pending or
	// active one.
	ErrNoSuchCall = errors.New("call: no such call")
)

// Log receives one entry per completed call attempt. storage.CallLog
// satisfies it; tests use an in-memory fake.
type Log interface {
	Record(e LogEntry) error
}

// LogEntry is a finished call, ready for the call history.
type LogEntry struct {
	CallID    string
	PeerID    string
	PeerName  string
	Direction string // "outgoing" or "incoming"
	Kind      signal.MediaKind
	Reason    Reason
	StartedAt time.Time
	EndedAt   time.Time
}

// Config wires a Manager to its room.
type Config struct {
	Self        Identity
	Store       signal.Store
	Device      media.Device
	Engine      peer.Engine
	RingTimeout time.Duration // unanswered outgoing calls end after this; 0 disables
	StaleAfter  time.Duration // inbound offers older than this never ring; 0 means 60s
	Log         Log           // optional call history sink
	JournalSize int           // recent-event journal capacity; 0 means 64
}

// Manager owns the one session a client may run at a time, plus the
// standing incoming-offer watch. An offer that arrives while the line
// is busy is declined on the caller's record without ringing here.
type Manager struct {
	cfg        Config
	staleAfter time.Duration

	mu    sync.Mutex
	sess  *Session
	ring  *signal.CallRecord // pending inbound offer, not yet accepted
	unsub signal.Unsubscribe

	events  chan Event
	journal *util.RingBuffer[Event]
}

// NewManager builds a manager; call Start to begin watching for offers.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Self.ID == "" {
		return nil, errors.New("call: empty self identity")
	}
	if cfg.Store == nil || cfg.Device == nil || cfg.Engine == nil {
		return nil, errors.New("call: store, device and engine are required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if cfg.JournalSize <= 0 {
		cfg.JournalSize = 64
	}
	return &Manager{
		cfg:        cfg,
		staleAfter: cfg.StaleAfter,
		events:     make(chan Event, 64),
		journal:    util.NewRingBuffer[Event](cfg.JournalSize),
	}, nil
}

// Start subscribes to offers addressed to this identity.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		return errors.New("call: manager already started")
	}
	unsub, err := m.cfg.Store.WatchOffers(ctx, m.cfg.Self.ID, m.onOffer)
	if err != nil {
		return fmt.Errorf("watch offers: %w", err)
	}
	m.unsub = unsub
	log.Printf("CALL [%s]: watching for incoming calls", m.cfg.Self.ID)
	return nil
}

// Events delivers ring, state, remote-stream and ended notifications.
// The channel is never closed; slow consumers lose events but the
// journal keeps the recent tail.
func (m *Manager) Events() <-chan Event { return m.events }

// Journal returns the recent events, oldest first.
func (m *Manager) Journal() []Event { return m.journal.Snapshot() }

// Call dials a peer. Returns the new call id.
func (m *Manager) Call(callee Identity, kind signal.MediaKind) (string, error) {
	if callee.ID == "" {
		return "", errors.New("call: empty callee identity")
	}
	if callee.ID == m.cfg.Self.ID {
		return "", errors.New("call: cannot call yourself")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil || m.ring != nil {
		return "", ErrBusy
	}
	s := newOutgoingSession(m.sessionConfig(callee, kind))
	m.sess = s
	return s.ID(), nil
}

// Accept answers the pending inbound offer.
func (m *Manager) Accept(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.ring
	if rec == nil || rec.ID != callID {
		return ErrNoSuchCall
	}
	if m.sess != nil {
		return ErrBusy
	}
	m.ring = nil
	remote := Identity{ID: rec.CallerID, Name: rec.CallerName, AvatarURL: rec.CallerAvatar}
	m.sess = newCalleeSession(m.sessionConfig(remote, rec.MediaKind), rec)
	return nil
}

// Decline rejects the pending inbound offer without acquiring media.
func (m *Manager) Decline(callID string) error {
	m.mu.Lock()
	rec := m.ring
	if rec == nil || rec.ID != callID {
		m.mu.Unlock()
		return ErrNoSuchCall
	}
	m.ring = nil
	m.mu.Unlock()

	m.declineRecord(rec.ID)
	m.emit(Event{
		Type: EventEnded, CallID: rec.ID, Status: StatusEnded, Reason: ReasonDeclined,
		Peer: Identity{ID: rec.CallerID, Name: rec.CallerName, AvatarURL: rec.CallerAvatar},
		Kind: rec.MediaKind, Time: time.Now(),
	})
	if m.cfg.Log != nil {
		now := time.Now()
		if err := m.cfg.Log.Record(LogEntry{
			CallID: rec.ID, PeerID: rec.CallerID, PeerName: rec.CallerName,
			Direction: "incoming", Kind: rec.MediaKind, Reason: ReasonDeclined,
			StartedAt: now, EndedAt: now,
		}); err != nil {
			log.Printf("CALL [%s]: record history: %v", rec.ID, err)
		}
	}
	return nil
}

// Hangup ends the active session, if any. A pending ring is declined.
func (m *Manager) Hangup() {
	m.mu.Lock()
	sess := m.sess
	rec := m.ring
	m.mu.Unlock()
	if sess != nil {
		sess.Hangup()
	}
	if rec != nil {
		if err := m.Decline(rec.ID); err != nil && !errors.Is(err, ErrNoSuchCall) {
			log.Printf("CALL [%s]: decline on hangup: %v", rec.ID, err)
		}
	}
}

// FlipCamera switches the outbound camera of the active video call.
func (m *Manager) FlipCamera(ctx context.Context, facing string) error {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return ErrNoSuchCall
	}
	return sess.FlipCamera(ctx, facing)
}

// Active reports the current session, if one exists.
func (m *Manager) Active() (id string, status Status, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return "", StatusIdle, false
	}
	return m.sess.ID(), m.sess.Status(), true
}

// Close stops the offer watch, hangs up and waits briefly for the
// session to wind down.
func (m *Manager) Close() error {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	sess := m.sess
	rec := m.ring
	m.ring = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if rec != nil {
		m.declineRecord(rec.ID)
	}
	if sess != nil {
		sess.Hangup()
		select {
		case <-sess.Done():
		case <-time.After(signalTimeout):
			log.Printf("CALL [%s]: teardown still pending at close", sess.ID())
		}
	}
	return nil
}

func (m *Manager) sessionConfig(remote Identity, kind signal.MediaKind) sessionConfig {
	return sessionConfig{
		self:        m.cfg.Self,
		remote:      remote,
		kind:        kind,
		store:       m.cfg.Store,
		device:      m.cfg.Device,
		engine:      m.cfg.Engine,
		ringTimeout: m.cfg.RingTimeout,
		emit:        m.emit,
		onEnd:       m.onEnd,
	}
}

// onOffer handles the standing incoming-offer watch.
func (m *Manager) onOffer(ev signal.OfferEvent) {
	if ev.Cancelled {
		m.mu.Lock()
		rec := m.ring
		if rec != nil && rec.ID == ev.CallID {
			m.ring = nil
		} else {
			rec = nil
		}
		m.mu.Unlock()
		if rec != nil {
			log.Printf("CALL [%s]: caller withdrew before answer", ev.CallID)
			m.emit(Event{
				Type: EventRingCancelled, CallID: rec.ID,
				Peer: Identity{ID: rec.CallerID, Name: rec.CallerName, AvatarURL: rec.CallerAvatar},
				Kind: rec.MediaKind, Time: time.Now(),
			})
		}
		return
	}

	rec := ev.Record
	if rec == nil || rec.Offer == nil {
		return
	}
	// A long-dead offer replayed after reconnect must not ring.
	if age := rec.Age(time.Now()); age > m.staleAfter {
		log.Printf("CALL [%s]: ignoring stale offer from %s (age %s)", rec.ID, rec.CallerID, age.Round(time.Second))
		return
	}

	m.mu.Lock()
	busy := m.sess != nil || m.ring != nil
	if busy {
		// Same call id means a duplicate notification, not a new call.
		if (m.sess != nil && m.sess.ID() == rec.ID) || (m.ring != nil && m.ring.ID == rec.ID) {
			m.mu.Unlock()
			return
		}
	} else {
		m.ring = rec
	}
	m.mu.Unlock()

	if busy {
		log.Printf("CALL [%s]: busy, declining offer from %s", rec.ID, rec.CallerID)
		m.declineRecord(rec.ID)
		return
	}

	log.Printf("CALL [%s]: incoming %s call from %s", rec.ID, rec.MediaKind, rec.CallerID)
	m.emit(Event{
		Type: EventRing, CallID: rec.ID,
		Peer: Identity{ID: rec.CallerID, Name: rec.CallerName, AvatarURL: rec.CallerAvatar},
		Kind: rec.MediaKind, Time: time.Now(),
	})
}

// declineRecord writes declined on the caller's record, best-effort.
func (m *Manager) declineRecord(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := m.cfg.Store.UpdateCall(ctx, id, signal.StatusPatch(signal.StatusDeclined)); err != nil {
		log.Printf("CALL [%s]: write declined: %v", id, err)
	}
}

func (m *Manager) emit(ev Event) {
	m.journal.Push(ev)
	select {
	case m.events <- ev:
	default:
		log.Printf("CALL [%s]: event queue full, dropping %s", ev.CallID, ev.Type)
	}
}

// onEnd is the session's exit hook.
func (m *Manager) onEnd(s *Session, reason Reason) {
	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	m.mu.Unlock()

	if m.cfg.Log == nil {
		return
	}
	dir := "outgoing"
	if s.role == peer.RoleCallee {
		dir = "incoming"
	}
	if err := m.cfg.Log.Record(LogEntry{
		CallID: s.id, PeerID: s.remote.ID, PeerName: s.remote.Name,
		Direction: dir, Kind: s.kind, Reason: reason,
		StartedAt: s.startedAt, EndedAt: s.endedAt,
	}); err != nil {
		log.Printf("CALL [%s]: record history: %v", s.id, err)
	}
}

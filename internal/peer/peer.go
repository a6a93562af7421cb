// Package peer wraps one peer-connection instance for the lifetime of
// one call. The Engine/Conn seam keeps the state machine independent of
// pion: production uses the pion engine, tests an in-process loopback.
package peer

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/signal"
)

// Role selects the protocol branch a session runs.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// ConnState is the coarse connection lifecycle surfaced to the call
// state machine.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("peer session closed")

// RemoteTrack is one inbound media track.
type RemoteTrack interface {
	ID() string
	Kind() media.TrackKind
}

// RemoteStream accumulates inbound tracks into one logical stream. The
// track callback fires once per track (audio, then video), so the
// stream extends rather than overwrites.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []RemoteTrack
}

func (r *RemoteStream) add(t RemoteTrack) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// Tracks returns the tracks received so far.
func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RemoteTrack(nil), r.tracks...)
}

// Conn is the minimal surface a peer-connection engine must provide.
// Handler registration happens before any negotiation; implementations
// must stop firing handlers once Close has run.
type Conn interface {
	AddLocalTrack(t media.Track) error
	CreateOffer(ctx context.Context) (signal.Description, error)
	CreateAnswer(ctx context.Context) (signal.Description, error)
	SetRemoteDescription(d signal.Description) error
	AddICECandidate(c signal.Candidate) error
	ReplaceVideoTrack(t media.Track) error
	OnICECandidate(fn func(signal.Candidate))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(ConnState))
	Close() error
}

// Engine creates peer connections.
type Engine interface {
	NewConn() (Conn, error)
}

// Config wires one Session.
type Config struct {
	Role    Role
	CallID  string
	Store   signal.Store
	Engine  Engine
	Local   *media.Stream // may be nil (receive-only)
	OnTrack func(*RemoteStream)
	OnState func(ConnState)
}

// Session owns one peer connection for one call: local tracks, remote
// stream assembly, candidate emission and consumption, and the
// idempotency guard around the remote description.
type Session struct {
	role   Role
	callID string
	store  signal.Store
	conn   Conn
	buf    *CandidateBuffer
	local  *media.Stream
	remote *RemoteStream

	mu         sync.Mutex
	haveRemote bool
	closed     bool
}

// NewSession builds the session and attaches every local track before
// any offer/answer is created; adding tracks afterwards would force a
// renegotiation.
func NewSession(cfg Config) (*Session, error) {
	conn, err := cfg.Engine.NewConn()
	if err != nil {
		return nil, err
	}

	s := &Session{
		role:   cfg.Role,
		callID: cfg.CallID,
		store:  cfg.Store,
		conn:   conn,
		local:  cfg.Local,
		remote: &RemoteStream{},
	}
	s.buf = NewCandidateBuffer(conn.AddICECandidate)

	conn.OnICECandidate(func(c signal.Candidate) {
		if s.isClosed() {
			return
		}
		// Fire-and-forget append; a lost candidate degrades the path
		// choice, it does not break the call.
		if err := s.store.AppendCandidate(context.Background(), s.callID, s.emitDirection(), c); err != nil {
			log.Printf("CALL [%s]: append candidate: %v", s.callID, err)
		}
	})
	conn.OnTrack(func(t RemoteTrack) {
		if s.isClosed() {
			return
		}
		s.remote.add(t)
		if cfg.OnTrack != nil {
			cfg.OnTrack(s.remote)
		}
	})
	conn.OnStateChange(func(st ConnState) {
		if s.isClosed() {
			return
		}
		if cfg.OnState != nil {
			cfg.OnState(st)
		}
	})

	if cfg.Local != nil {
		for _, t := range cfg.Local.Tracks() {
			if err := conn.AddLocalTrack(t); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}
	return s, nil
}

// emitDirection tags outbound candidates with the list this side owns.
func (s *Session) emitDirection() signal.Direction {
	if s.role == RoleCaller {
		return signal.OffererCandidates
	}
	return signal.AnswererCandidates
}

// ConsumeDirection is the list this side reads from.
func (s *Session) ConsumeDirection() signal.Direction {
	if s.role == RoleCaller {
		return signal.AnswererCandidates
	}
	return signal.OffererCandidates
}

// CreateOffer produces the local offer. Caller role only.
func (s *Session) CreateOffer(ctx context.Context) (signal.Description, error) {
	if s.isClosed() {
		return signal.Description{}, ErrClosed
	}
	return s.conn.CreateOffer(ctx)
}

// CreateAnswer produces the local answer. Callee role only; valid only
// after SetRemoteDescription succeeded.
func (s *Session) CreateAnswer(ctx context.Context) (signal.Description, error) {
	if s.isClosed() {
		return signal.Description{}, ErrClosed
	}
	return s.conn.CreateAnswer(ctx)
}

// SetRemoteDescription installs the remote description once and then
// flushes the candidate buffer. A second call is a no-op: both the
// answer watch and local logic can race to apply it, and applying twice
// is undefined behaviour in native engines, so the guard is explicit.
func (s *Session) SetRemoteDescription(d signal.Description) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.haveRemote {
		s.mu.Unlock()
		return nil
	}
	s.haveRemote = true
	s.mu.Unlock()

	if err := s.conn.SetRemoteDescription(d); err != nil {
		return err
	}
	s.buf.Flush()
	return nil
}

// HasRemoteDescription reports whether the remote description is set.
func (s *Session) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveRemote
}

// AddRemoteCandidate feeds one inbound candidate through the buffer.
func (s *Session) AddRemoteCandidate(c signal.Candidate) {
	if s.isClosed() {
		return
	}
	s.buf.Offer(c)
}

// ReplaceOutboundVideoTrack swaps only the sending video track, with no
// new offer/answer round-trip. The previous track is returned so the
// caller can stop it after the new one is live.
func (s *Session) ReplaceOutboundVideoTrack(t media.Track) (media.Track, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	var old media.Track
	if s.local != nil {
		for _, lt := range s.local.Tracks() {
			if lt.Kind() == media.KindVideo {
				old = lt
			}
		}
	}
	if err := s.conn.ReplaceVideoTrack(t); err != nil {
		return nil, err
	}
	if old != nil && s.local != nil {
		// Keep the stream's inventory current so teardown releases
		// the replacement, not the stopped original.
		s.local.Replace(old, t)
	}
	return old, nil
}

// Remote returns the accumulated remote stream.
func (s *Session) Remote() *RemoteStream { return s.remote }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close detaches callbacks, closes the connection and releases local
// media. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Detach before closing so no handler fires on a half-destroyed
	// session.
	s.conn.OnICECandidate(nil)
	s.conn.OnTrack(nil)
	s.conn.OnStateChange(nil)

	if err := s.conn.Close(); err != nil {
		log.Printf("CALL [%s]: close peer connection: %v", s.callID, err)
	}
	if s.local != nil {
		s.local.Release()
	}
}

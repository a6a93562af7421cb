package peer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/signal"
)

// LoopbackEngine connects peer sessions in-process with no network
// I/O: descriptions carry a connection id instead of SDP, candidates
// are plain strings, and "connected" fires once both legs hold each
// other's description and at least one applied candidate. It exists to
// test the state machine deterministically; both fake devices hand it
// the same instance.
type LoopbackEngine struct {
	mu    sync.Mutex
	seq   int
	conns map[string]*LoopbackConn
}

// NewLoopbackEngine creates an empty engine.
func NewLoopbackEngine() *LoopbackEngine {
	return &LoopbackEngine{conns: make(map[string]*LoopbackConn)}
}

func (e *LoopbackEngine) NewConn() (Conn, error) {
	e.mu.Lock()
	e.seq++
	c := &LoopbackConn{
		id:      "lc" + strconv.Itoa(e.seq),
		eng:     e,
		applied: make(map[string]int),
	}
	e.conns[c.id] = c
	e.mu.Unlock()
	return c, nil
}

func (e *LoopbackEngine) lookup(id string) *LoopbackConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[id]
}

// Conn returns a created connection by its loopback id, for test
// assertions on applied candidates and track swaps.
func (e *LoopbackEngine) Conn(id string) *LoopbackConn { return e.lookup(id) }

const loopSDPPrefix = "loopback:"

type LoopbackConn struct {
	id  string
	eng *LoopbackEngine

	mu          sync.Mutex
	onCandidate func(signal.Candidate)
	onTrack     func(RemoteTrack)
	onState     func(ConnState)

	local      []media.Track
	remoteID   string
	descs      int // offers+answers created
	applied    map[string]int
	appliedOrd []signal.Candidate
	tracksSent bool
	connected  bool
	closed     bool
}

func (c *LoopbackConn) OnICECandidate(fn func(signal.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *LoopbackConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *LoopbackConn) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *LoopbackConn) AddLocalTrack(t media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.descs > 0 {
		return errors.New("loopback: tracks must be added before negotiation")
	}
	c.local = append(c.local, t)
	return nil
}

func (c *LoopbackConn) CreateOffer(_ context.Context) (signal.Description, error) {
	return c.createDescription("offer")
}

func (c *LoopbackConn) CreateAnswer(_ context.Context) (signal.Description, error) {
	c.mu.Lock()
	noRemote := c.remoteID == ""
	c.mu.Unlock()
	if noRemote {
		return signal.Description{}, errors.New("loopback: answer requires a remote description")
	}
	return c.createDescription("answer")
}

func (c *LoopbackConn) createDescription(typ string) (signal.Description, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.Description{}, errors.New("loopback: connection closed")
	}
	c.descs++
	emit := c.onCandidate
	c.mu.Unlock()

	// One trickled candidate per description, emitted after the local
	// description exists, like a real engine, never before.
	if emit != nil {
		emit(signal.Candidate{Candidate: "candidate:" + c.id, SDPMid: "0"})
	}
	return signal.Description{Type: typ, SDP: loopSDPPrefix + c.id}, nil
}

func (c *LoopbackConn) SetRemoteDescription(d signal.Description) error {
	if !strings.HasPrefix(d.SDP, loopSDPPrefix) {
		return fmt.Errorf("loopback: malformed description %q", d.SDP)
	}
	peerID := strings.TrimPrefix(d.SDP, loopSDPPrefix)
	peer := c.eng.lookup(peerID)
	if peer == nil {
		return fmt.Errorf("loopback: unknown peer %q", peerID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("loopback: connection closed")
	}
	if c.remoteID != "" {
		c.mu.Unlock()
		return errors.New("loopback: remote description already set")
	}
	c.remoteID = peerID
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(StateConnecting)
	}

	c.deliverRemoteTracks()
	peer.deliverRemoteTracks()
	c.checkConnected()
	peer.checkConnected()
	return nil
}

func (c *LoopbackConn) AddICECandidate(cand signal.Candidate) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("loopback: connection closed")
	}
	if c.remoteID == "" {
		c.mu.Unlock()
		return errors.New("loopback: candidate before remote description")
	}
	c.applied[cand.Candidate]++
	c.appliedOrd = append(c.appliedOrd, cand)
	c.mu.Unlock()

	c.checkConnected()
	return nil
}

// deliverRemoteTracks hands the peer's local tracks to our OnTrack
// handler, one callback per track, once both legs are linked.
func (c *LoopbackConn) deliverRemoteTracks() {
	peer := c.linkedPeer()
	if peer == nil {
		return
	}

	c.mu.Lock()
	if c.tracksSent || c.onTrack == nil {
		c.mu.Unlock()
		return
	}
	c.tracksSent = true
	fn := c.onTrack
	c.mu.Unlock()

	peer.mu.Lock()
	tracks := append([]media.Track(nil), peer.local...)
	peer.mu.Unlock()

	for i, t := range tracks {
		fn(&loopRemoteTrack{id: peer.id + "-t" + strconv.Itoa(i), kind: t.Kind()})
	}
}

// linkedPeer returns the remote conn when both sides point at each
// other, nil otherwise.
func (c *LoopbackConn) linkedPeer() *LoopbackConn {
	c.mu.Lock()
	remoteID := c.remoteID
	c.mu.Unlock()
	if remoteID == "" {
		return nil
	}
	peer := c.eng.lookup(remoteID)
	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	back := peer.remoteID == c.id
	peer.mu.Unlock()
	if !back {
		return nil
	}
	return peer
}

func (c *LoopbackConn) checkConnected() {
	if c.linkedPeer() == nil {
		return
	}
	c.mu.Lock()
	if c.closed || c.connected || len(c.appliedOrd) == 0 {
		c.mu.Unlock()
		return
	}
	c.connected = true
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(StateConnected)
	}
}

func (c *LoopbackConn) ReplaceVideoTrack(t media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("loopback: connection closed")
	}
	for i, lt := range c.local {
		if lt.Kind() == media.KindVideo {
			c.local[i] = t
			return nil
		}
	}
	return errors.New("loopback: no outbound video sender")
}

func (c *LoopbackConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onCandidate = nil
	c.onTrack = nil
	c.onState = nil
	c.mu.Unlock()

	peer := c.linkedPeer()

	// The other leg observes the drop as a disconnect, like a real
	// transport would.
	if peer != nil {
		peer.mu.Lock()
		fn := peer.onState
		wasConnected := peer.connected
		peer.mu.Unlock()
		if fn != nil && wasConnected {
			fn(StateDisconnected)
		}
	}
	return nil
}

// Applied returns candidates applied to this leg, in order.
func (c *LoopbackConn) Applied() []signal.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signal.Candidate(nil), c.appliedOrd...)
}

// AppliedCount reports how many times one candidate string was applied.
func (c *LoopbackConn) AppliedCount(candidate string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[candidate]
}

// Descriptions reports how many offers/answers this leg created.
func (c *LoopbackConn) Descriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descs
}

// LocalTracks returns the current outbound tracks.
func (c *LoopbackConn) LocalTracks() []media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Track(nil), c.local...)
}

type loopRemoteTrack struct {
	id   string
	kind media.TrackKind
}

func (t *loopRemoteTrack) ID() string            { return t.id }
func (t *loopRemoteTrack) Kind() media.TrackKind { return t.kind }

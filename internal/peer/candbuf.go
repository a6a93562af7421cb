package peer

import (
	"log"
	"sync"

	"github.com/petervdpas/peercall/internal/signal"
)

// CandidateBuffer holds trickled ICE candidates that arrive before the
// peer connection has a remote description. Applying a candidate with
// no remote description is an error in every native implementation, so
// every inbound candidate funnels through here; there is no
// "apply immediately if ready" shortcut anywhere else.
type CandidateBuffer struct {
	mu      sync.Mutex
	apply   func(signal.Candidate) error
	ready   bool
	pending []signal.Candidate
}

// NewCandidateBuffer wires the buffer to the apply function of one
// peer connection.
func NewCandidateBuffer(apply func(signal.Candidate) error) *CandidateBuffer {
	return &CandidateBuffer{apply: apply}
}

// Offer hands one remote candidate to the buffer. Before Flush it is
// queued; after Flush it is applied immediately. Apply failures are
// logged, not returned: a candidate that fails after close or as a
// duplicate must not kill the call.
func (b *CandidateBuffer) Offer(c signal.Candidate) {
	b.mu.Lock()
	if !b.ready {
		b.pending = append(b.pending, c)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.apply(c); err != nil {
		log.Printf("CALL: apply candidate failed: %v", err)
	}
}

// Flush marks the buffer ready and applies everything queued, in
// arrival order. Called once, immediately after the remote description
// is installed; a second call is a no-op.
func (b *CandidateBuffer) Flush() {
	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		return
	}
	b.ready = true
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, c := range queued {
		if err := b.apply(c); err != nil {
			log.Printf("CALL: apply buffered candidate failed: %v", err)
		}
	}
}

// Pending reports how many candidates are queued.
func (b *CandidateBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

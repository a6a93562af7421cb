package signal

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It backs tests and single-machine
// demos; both peers must share the same instance. Delivery semantics
// match the Redis store: every watch gets its own serialized delivery
// goroutine, candidate watches replay history exactly once.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]*memCall

	recordWatch map[string]map[*watcher]struct{} // call id -> watchers
	candWatch   map[candKey]map[*watcher]struct{}
	offerWatch  map[string]map[*offerWatcher]struct{} // callee id -> watchers

	closed bool
}

type candKey struct {
	id  string
	dir Direction
}

type memCall struct {
	rec   CallRecord
	cands map[Direction][]Candidate
}

// watcher serializes delivery of one subscription.
type watcher struct {
	ch   chan any
	done chan struct{}
	once sync.Once
}

func newWatcher(deliver func(any)) *watcher {
	w := &watcher{ch: make(chan any, 64), done: make(chan struct{})}
	go func() {
		for {
			select {
			case ev := <-w.ch:
				deliver(ev)
			case <-w.done:
				// Drain anything queued before the stop so callers that
				// unsubscribe after a write still see it flushed out.
				for {
					select {
					case ev := <-w.ch:
						deliver(ev)
					default:
						return
					}
				}
			}
		}
	}()
	return w
}

func (w *watcher) post(ev any) { w.ch <- ev }

func (w *watcher) stop() { w.once.Do(func() { close(w.done) }) }

type offerWatcher struct {
	*watcher
	// announced tracks call ids this watcher has rung, so a later
	// status change or delete produces exactly one cancel.
	announced map[string]struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:       make(map[string]*memCall),
		recordWatch: make(map[string]map[*watcher]struct{}),
		candWatch:   make(map[candKey]map[*watcher]struct{}),
		offerWatch:  make(map[string]map[*offerWatcher]struct{}),
	}
}

func (s *MemoryStore) CreateCall(_ context.Context, rec *CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.ID]; ok {
		return ErrCallExists
	}
	c := &memCall{rec: *rec, cands: make(map[Direction][]Candidate)}
	s.calls[rec.ID] = c
	s.notifyRecordLocked(rec.ID, &c.rec)
	s.notifyOffersLocked(&c.rec)
	return nil
}

func (s *MemoryStore) UpdateCall(_ context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	if p.Offer != nil {
		c.rec.Offer = p.Offer
	}
	if p.Answer != nil {
		c.rec.Answer = p.Answer
	}
	if p.Status != nil {
		c.rec.Status = *p.Status
	}
	s.notifyRecordLocked(id, &c.rec)
	s.notifyOffersLocked(&c.rec)
	return nil
}

func (s *MemoryStore) DeleteCall(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil // best-effort GC, already gone
	}
	delete(s.calls, id)
	for w := range s.recordWatch[id] {
		w.post(RecordEvent{Removed: true})
	}
	s.cancelOffersLocked(&c.rec)
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (*CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	rec := c.rec
	return &rec, nil
}

func (s *MemoryStore) WatchCall(_ context.Context, id string, fn func(RecordEvent)) (Unsubscribe, error) {
	w := newWatcher(func(ev any) { fn(ev.(RecordEvent)) })
	s.mu.Lock()
	if s.recordWatch[id] == nil {
		s.recordWatch[id] = make(map[*watcher]struct{})
	}
	s.recordWatch[id][w] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.recordWatch[id], w)
		s.mu.Unlock()
		w.stop()
	}, nil
}

func (s *MemoryStore) AppendCandidate(_ context.Context, id string, dir Direction, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	call.cands[dir] = append(call.cands[dir], c)
	for w := range s.candWatch[candKey{id, dir}] {
		w.post(c)
	}
	return nil
}

func (s *MemoryStore) WatchCandidates(_ context.Context, id string, dir Direction, fn func(Candidate)) (Unsubscribe, error) {
	w := newWatcher(func(ev any) { fn(ev.(Candidate)) })
	key := candKey{id, dir}

	// Replay and registration happen under one lock so a concurrent
	// append is seen exactly once: either in the replay or live.
	s.mu.Lock()
	if call, ok := s.calls[id]; ok {
		for _, c := range call.cands[dir] {
			w.post(c)
		}
	}
	if s.candWatch[key] == nil {
		s.candWatch[key] = make(map[*watcher]struct{})
	}
	s.candWatch[key][w] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.candWatch[key], w)
		s.mu.Unlock()
		w.stop()
	}, nil
}

func (s *MemoryStore) WatchOffers(_ context.Context, calleeID string, fn func(OfferEvent)) (Unsubscribe, error) {
	ow := &offerWatcher{announced: make(map[string]struct{})}
	ow.watcher = newWatcher(func(ev any) { fn(ev.(OfferEvent)) })

	s.mu.Lock()
	if s.offerWatch[calleeID] == nil {
		s.offerWatch[calleeID] = make(map[*offerWatcher]struct{})
	}
	s.offerWatch[calleeID][ow] = struct{}{}
	// Replay records already ringing for this callee.
	for _, c := range s.calls {
		if c.rec.CalleeID == calleeID && c.rec.Status == StatusOffering && c.rec.Offer != nil {
			ow.announced[c.rec.ID] = struct{}{}
			rec := c.rec
			ow.post(OfferEvent{CallID: rec.ID, Record: &rec})
		}
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.offerWatch[calleeID], ow)
		s.mu.Unlock()
		ow.stop()
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// notifyRecordLocked fires record watchers for one mutation.
func (s *MemoryStore) notifyRecordLocked(id string, rec *CallRecord) {
	for w := range s.recordWatch[id] {
		snapshot := *rec
		w.post(RecordEvent{Record: &snapshot})
	}
}

// notifyOffersLocked rings or cancels offer watchers after a mutation.
// A record rings once per watcher: when it is offering with an offer
// body present. Leaving the offering state cancels any prior ring.
func (s *MemoryStore) notifyOffersLocked(rec *CallRecord) {
	for ow := range s.offerWatch[rec.CalleeID] {
		_, rung := ow.announced[rec.ID]
		switch {
		case rec.Status == StatusOffering && rec.Offer != nil && !rung:
			ow.announced[rec.ID] = struct{}{}
			snapshot := *rec
			ow.post(OfferEvent{CallID: rec.ID, Record: &snapshot})
		case rec.Status != StatusOffering && rung:
			delete(ow.announced, rec.ID)
			ow.post(OfferEvent{Cancelled: true, CallID: rec.ID})
		}
	}
}

// cancelOffersLocked is the removal path of notifyOffersLocked.
func (s *MemoryStore) cancelOffersLocked(rec *CallRecord) {
	for ow := range s.offerWatch[rec.CalleeID] {
		if _, rung := ow.announced[rec.ID]; rung {
			delete(ow.announced, rec.ID)
			ow.post(OfferEvent{Cancelled: true, CallID: rec.ID})
		}
	}
}

// Package signal is the out-of-band signaling channel for peer calls.
// All cross-device coordination rides on a shared document store: one
// call record per attempt plus two append-only candidate lists, one per
// direction. There is no dedicated signaling server; both sides talk
// only to the store.
package signal

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a call record. Transitions are
// monotonic: offering -> answered -> ended, or offering -> declined.
// Nothing else is valid; re-observing a state is always safe.
type Status string

const (
	StatusOffering Status = "offering"
	StatusAnswered Status = "answered"
	StatusDeclined Status = "declined"
	StatusEnded    Status = "ended"
)

// Direction names one of the two candidate lists of a call.
type Direction string

const (
	OffererCandidates  Direction = "offererCandidates"
	AnswererCandidates Direction = "answererCandidates"
)

// MediaKind is the media profile of a call: audio-only or audio+video.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

var (
	// ErrCallExists is returned by CreateCall on an id collision. Ids are
	// caller-generated UUIDs, so hitting this means a caller reused an id.
	ErrCallExists = errors.New("call record already exists")

	// ErrCallNotFound is returned when a record has been deleted or expired.
	ErrCallNotFound = errors.New("call record not found")
)

// Description is a serialized session description (offer or answer).
type Description struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is one serialized ICE candidate.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CallRecord is the single shared signaling artifact for one call attempt.
// The caller owns the record until answer is written; after that either
// side may set ended. Only the callee may set declined, and only before
// answering.
type CallRecord struct {
	ID           string       `json:"id"`
	CallerID     string       `json:"callerId"`
	CalleeID     string       `json:"calleeId"`
	CallerName   string       `json:"callerName"`
	CallerAvatar string       `json:"callerAvatar"`
	MediaKind    MediaKind    `json:"mediaKind"`
	Offer        *Description `json:"offer,omitempty"`
	Answer       *Description `json:"answer,omitempty"`
	Status       Status       `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Age reports how long ago the record was created.
func (r *CallRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Patch is a merge-update for a call record. Nil fields are left
// untouched. Answer and Status set together are applied atomically, so
// a reader never observes status=answered with a missing answer body.
type Patch struct {
	Offer  *Description
	Answer *Description
	Status *Status
}

// StatusPatch is shorthand for a status-only Patch.
func StatusPatch(s Status) Patch { return Patch{Status: &s} }

// RecordEvent is delivered by WatchCall on every remote mutation and
// once on removal. Removed events carry no record; consumers must treat
// removal the same as status=ended.
type RecordEvent struct {
	Removed bool
	Record  *CallRecord // nil when Removed
}

// OfferEvent is delivered by WatchOffers when a record addressed to the
// watched identity enters or leaves the offering state. Cancelled means
// the ring should stop (caller hung up or the record was answered
// elsewhere/removed).
type OfferEvent struct {
	Cancelled bool
	CallID    string
	Record    *CallRecord // nil when Cancelled
}

// Unsubscribe tears down one watch. Safe to call more than once.
type Unsubscribe func()

// Store is the signaling channel contract over a remote real-time
// document store. Watches deliver notifications asynchronously; all
// delivery for a given watch is serialized. Candidate watches are
// replay-safe: a fresh subscriber receives every candidate appended so
// far exactly once, in append order, then new ones as they arrive.
// Offer watches replay too: records already offering for the callee
// when the watch begins are delivered exactly once each, so a callee
// that comes online after the caller wrote its offer still rings.
// Staleness filtering is the consumer's concern, not the store's.
type Store interface {
	CreateCall(ctx context.Context, rec *CallRecord) error
	UpdateCall(ctx context.Context, id string, p Patch) error
	DeleteCall(ctx context.Context, id string) error
	GetCall(ctx context.Context, id string) (*CallRecord, error)
	WatchCall(ctx context.Context, id string, fn func(RecordEvent)) (Unsubscribe, error)

	AppendCandidate(ctx context.Context, id string, dir Direction, c Candidate) error
	WatchCandidates(ctx context.Context, id string, dir Direction, fn func(Candidate)) (Unsubscribe, error)

	WatchOffers(ctx context.Context, calleeID string, fn func(OfferEvent)) (Unsubscribe, error)

	Close() error
}

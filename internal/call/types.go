package call

import (
	"time"

	"github.com/petervdpas/peercall/internal/peer"
	"github.com/petervdpas/peercall/internal/signal"
)

// Identity is the local or remote party of a call, supplied by the
// room's identity provider. The engine treats it as read-only input.
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"display_name"`
	AvatarURL string `json:"avatar_url"`
}

// Status is the local session lifecycle. Ended is terminal; a fresh
// session is constructed for every new call.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusOutgoing   Status = "outgoing"
	StatusIncoming   Status = "incoming"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// Reason says why a session ended, so the UI can tell "they hung up"
// from "network failure".
type Reason string

const (
	ReasonHangup           Reason = "hangup"
	ReasonDeclined         Reason = "declined"
	ReasonRemoteHangup     Reason = "remote-hangup"
	ReasonRemoteDeclined   Reason = "remote-declined"
	ReasonRingTimeout      Reason = "ring-timeout"
	ReasonMediaError       Reason = "media-error"
	ReasonSignalingError   Reason = "signaling-error"
	ReasonConnectionFailed Reason = "connection-failed"
)

// EventType discriminates engine events surfaced to the UI layer.
type EventType string

const (
	EventRing          EventType = "ring"
	EventRingCancelled EventType = "ring-cancelled"
	EventState         EventType = "state"
	EventRemoteStream  EventType = "remote-stream"
	EventEnded         EventType = "ended"
)

// Event is one engine notification. Fields beyond Type/CallID are set
// per type: Status on state changes, Reason and Err on ended, Remote on
// remote-stream, Peer on ring.
type Event struct {
	Type   EventType
	CallID string
	Status Status
	Reason Reason
	Err    error
	Remote *peer.RemoteStream
	Peer   Identity
	Kind   signal.MediaKind
	Time   time.Time
}

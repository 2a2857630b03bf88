package session

import "encoding/json"

// MessageEvent is one inbound published message, normalized from the
// transport's wire shape. Immutable once buffered.
type MessageEvent struct {
	Channel   string
	Timetoken string
	Publisher string
	Payload   json.RawMessage
	Meta      json.RawMessage
}

// PresenceEvent is one service-generated occupancy notification.
type PresenceEvent struct {
	Channel   string
	Action    string
	UUID      string
	Occupancy int
	Timetoken string
}

// Status categories reported by the transport.
const (
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

type StatusEvent struct {
	Category   string
	StatusCode int
	Err        error
}

// Listener is the single callback dispatch point a transport delivers
// events through. Exactly one listener set is registered per transport
// instance.
type Listener struct {
	OnMessage  func(MessageEvent)
	OnPresence func(PresenceEvent)
	OnStatus   func(StatusEvent)
}

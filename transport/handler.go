package transport

import "net"

// EndReason says why a session was closed.
type EndReason uint8

const (
	// ReasonDisconnect means the peer sent a Disconnect.
	ReasonDisconnect EndReason = iota + 1
	// ReasonSuperseded means the peer opened a new session from the same endpoint.
	ReasonSuperseded
	// ReasonIdle means nothing arrived from the peer within the idle timeout.
	ReasonIdle
	// ReasonClosed means the server closed the session with Engine.Disconnect.
	ReasonClosed
	// ReasonStopped means the engine stopped.
	ReasonStopped
)

func (r EndReason) String() string {
	switch r {
	case ReasonDisconnect:
		return "disconnect"
	case ReasonSuperseded:
		return "superseded"
	case ReasonIdle:
		return "idle"
	case ReasonClosed:
		return "closed"
	case ReasonStopped:
		return "stopped"
	}
	return "unknown"
}

// Session describes an established session as seen by the consumer. It is a
// snapshot; use Handle to act on the session.
type Session struct {
	Handle    Handle
	ID        uint32
	Addr      net.Addr
	Protocol  string
	UDPLength uint32
}

// Handler consumes session events. All calls for one session are made from a
// single goroutine in order: OnSessionStarted, any number of OnData,
// OnSessionEnded. Calls for different sessions run concurrently.
type Handler interface {
	OnSessionStarted(s Session)
	OnSessionEnded(s Session, reason EndReason)
	OnData(s Session, payload []byte)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	SessionStarted func(s Session)
	SessionEnded   func(s Session, reason EndReason)
	Data           func(s Session, payload []byte)
}

func (h HandlerFuncs) OnSessionStarted(s Session) {
	if h.SessionStarted != nil {
		h.SessionStarted(s)
	}
}

func (h HandlerFuncs) OnSessionEnded(s Session, reason EndReason) {
	if h.SessionEnded != nil {
		h.SessionEnded(s, reason)
	}
}

func (h HandlerFuncs) OnData(s Session, payload []byte) {
	if h.Data != nil {
		h.Data(s, payload)
	}
}

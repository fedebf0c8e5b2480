// Package event holds the transport-agnostic messages exchanged between the
// match core and connected players.
package event

// Conn is the handle the core uses to reach one player. Send must not block
// the caller for long; transports queue and drop rather than stall a match.
type Conn interface {
	ID() string
	Send(e Event)
}

func New(t Type, data any) Event {
	return Event{Type: t, Data: data}
}

func Failure(message string) Event {
	return Event{Type: TypeError, Data: Error{Message: message}}
}

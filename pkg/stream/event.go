package stream

import (
	"fmt"
	"strings"
)

// Event names sent to subscribers.
const (
	EventNetworkInfoUpdate = "network-info-update"
	EventClientInfoUpdate  = "client-info-update"
	EventError             = "error"
)

// Content types of event payloads.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// Kind selects which part of the snapshot a subscription follows.
type Kind int

const (
	KindNetwork Kind = iota
	KindPeer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindPeer:
		return "peer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// UpdateEvent is the event name used when the looked-up object exists.
func (k Kind) UpdateEvent() string {
	if k == KindPeer {
		return EventClientInfoUpdate
	}
	return EventNetworkInfoUpdate
}

// NotFoundMessage is the plain text payload of the not-found event.
func (k Kind) NotFoundMessage() string {
	if k == KindPeer {
		return "Client not found"
	}
	return "Network not found"
}

// ParseKind accepts "network", "peer" and "client".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network":
		return KindNetwork, nil
	case "peer", "client":
		return KindPeer, nil
	default:
		return 0, fmt.Errorf("unknown subscription kind %q", s)
	}
}

// Event is one message for a subscriber. Data is a snapshot value for
// update events and a string for error events.
type Event struct {
	Name        string
	Data        interface{}
	ContentType string
}

// NotFound reports whether e is the not-found event.
func (e Event) NotFound() bool {
	return e.Name == EventError
}

// Emitter delivers events to one client. Send is never called concurrently
// for the same subscription.
type Emitter interface {
	Send(Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event) error

// Send calls f.
func (f EmitterFunc) Send(e Event) error {
	return f(e)
}

package hyperliquid

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"hyperliquid-feedmux/types"
)

// Message is what a listener receives for one inbound frame.
type Message struct {
	Channel string
	Data    json.RawMessage
	// Payload is the typed decoding of Data, or nil when the channel has no
	// typed variant or Data did not match it.
	Payload    types.Payload
	ReceivedAt time.Time
}

// HandlerFunc handles one message. A returned error is logged by the router
// and does not stop delivery to other listeners.
type HandlerFunc func(msg Message) error

// Listener is a registered callback. Listeners are compared by pointer, so
// keep the *Listener returned by NewListener to remove it later.
type Listener struct {
	id     uuid.UUID
	handle HandlerFunc
}

// NewListener wraps fn. A nil fn yields a listener that ignores messages.
func NewListener(fn HandlerFunc) *Listener {
	if fn == nil {
		fn = func(Message) error { return nil }
	}
	return &Listener{
		id:     uuid.New(),
		handle: fn,
	}
}

// Noop returns a fresh listener that ignores every message.
func Noop() *Listener {
	return NewListener(nil)
}

func (l *Listener) ID() uuid.UUID {
	return l.id
}

// invoke calls the handler, turning a panic into an error.
func (l *Listener) invoke(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.handle(msg)
}

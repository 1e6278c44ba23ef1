package hyperliquid

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"hyperliquid-feedmux/types"
)

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	MessagesDropped  int64
	ParseErrors      int64
	DecodeErrors     int64
	ListenerErrors   int64
	Deliveries       int64
}

// Router decodes inbound frames and dispatches them to registry listeners.
type Router struct {
	registry *Registry
	mode     KeyMode

	received       atomic.Int64
	routed         atomic.Int64
	dropped        atomic.Int64
	parseErrors    atomic.Int64
	decodeErrors   atomic.Int64
	listenerErrors atomic.Int64
	deliveries     atomic.Int64
}

func NewRouter(registry *Registry, mode KeyMode) *Router {
	return &Router{
		registry: registry,
		mode:     mode,
	}
}

// Route handles one raw frame and returns the number of listener invocations.
// Malformed frames are logged and dropped; they never reach a listener.
func (r *Router) Route(frame []byte) int {
	r.received.Add(1)

	var msg types.WSMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		r.parseErrors.Add(1)
		logrus.WithError(err).WithField("raw_message", truncate(frame, 256)).Warn("Failed to parse message")
		return 0
	}
	if msg.Channel == "" {
		r.dropped.Add(1)
		logrus.WithField("raw_message", truncate(frame, 256)).Debug("Dropping message without channel")
		return 0
	}

	payload, err := types.DecodePayload(msg.Channel, msg.Data)
	if err != nil {
		r.decodeErrors.Add(1)
		logrus.WithError(err).WithField("channel", msg.Channel).Debug("Delivering undecoded payload")
	}

	out := Message{
		Channel:    msg.Channel,
		Data:       msg.Data,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	delivered := 0
	for _, key := range routeKeys(r.mode, msg.Channel, payload) {
		delivered += r.dispatch(key, out)
	}

	if delivered == 0 {
		r.dropped.Add(1)
		return 0
	}
	r.routed.Add(1)
	return delivered
}

// dispatch invokes key's listeners in order. A failing listener is logged and
// skipped.
func (r *Router) dispatch(key string, msg Message) int {
	listeners := r.registry.Snapshot(key)
	for _, l := range listeners {
		if err := l.invoke(msg); err != nil {
			r.listenerErrors.Add(1)
			logrus.WithError(err).WithFields(logrus.Fields{
				"key":         key,
				"listener_id": l.ID(),
			}).Error("Listener failed")
		}
	}
	r.deliveries.Add(int64(len(listeners)))
	return len(listeners)
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		MessagesReceived: r.received.Load(),
		MessagesRouted:   r.routed.Load(),
		MessagesDropped:  r.dropped.Load(),
		ParseErrors:      r.parseErrors.Load(),
		DecodeErrors:     r.decodeErrors.Load(),
		ListenerErrors:   r.listenerErrors.Load(),
		Deliveries:       r.deliveries.Load(),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

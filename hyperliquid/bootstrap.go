package hyperliquid

import (
	"github.com/sirupsen/logrus"
	"hyperliquid-feedmux/types"
)

// BootstrapFeed is a baseline subscription issued on every open.
type BootstrapFeed struct {
	Channel      string
	Subscription types.SubscriptionRequest
}

// Bootstrapper keeps the baseline feeds subscribed. Each feed owns one no-op
// listener that is swapped in again on every open, so reopening never stacks
// listeners.
type Bootstrapper struct {
	feeds     []BootstrapFeed
	listeners []*Listener
}

func NewBootstrapper(feeds []BootstrapFeed) *Bootstrapper {
	b := &Bootstrapper{
		feeds:     feeds,
		listeners: make([]*Listener, len(feeds)),
	}
	for i := range feeds {
		b.listeners[i] = Noop()
	}
	return b
}

// Run subscribes every feed through s and returns how many were accepted.
func (b *Bootstrapper) Run(s *Supervisor) int {
	accepted := 0
	for i, feed := range b.feeds {
		key := s.KeyFor(feed.Channel, feed.Subscription)
		s.Registry().RemoveListener(key, b.listeners[i])

		if s.Subscribe(feed.Channel, feed.Subscription, b.listeners[i]) {
			accepted++
		} else {
			logrus.WithField("type", feed.Subscription.Type).Warn("Startup feed subscription not sent")
		}
	}

	logrus.WithFields(logrus.Fields{
		"feeds":    len(b.feeds),
		"accepted": accepted,
	}).Debug("Startup feeds subscribed")
	return accepted
}

// Covers reports whether sub is one of the baseline feeds.
func (b *Bootstrapper) Covers(sub types.SubscriptionRequest) bool {
	key := ParamsKey(sub)
	for _, feed := range b.feeds {
		if ParamsKey(feed.Subscription) == key {
			return true
		}
	}
	return false
}

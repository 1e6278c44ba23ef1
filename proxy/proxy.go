package proxy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"hyperliquid-feedmux/client"
	"hyperliquid-feedmux/config"
	"hyperliquid-feedmux/hyperliquid"
	"hyperliquid-feedmux/types"
)

// Proxy relays the shared upstream feed to downstream WebSocket clients.
// Each client subscription becomes one listener on the supervisor; the first
// client for a subscription sends the upstream subscribe and the last one to
// leave sends the unsubscribe.
type Proxy struct {
	config *config.Config
	hub    *client.Hub
	feed   *hyperliquid.Supervisor

	subscriptions map[string]*SubscriptionInfo
	subMu         sync.Mutex

	stats   ProxyStats
	statsMu sync.RWMutex

	stopCh      chan struct{}
	stopOnce    sync.Once
	unwatchFeed func()
}

// SubscriptionInfo tracks one upstream subscription shared by clients.
type SubscriptionInfo struct {
	Subscription types.SubscriptionRequest
	Channel      string
	Clients      map[*client.Client]*hyperliquid.Listener
	LastMessage  []byte
	LastUpdate   time.Time
}

// ProxyStats holds relay statistics.
type ProxyStats struct {
	ConnectedClients    int       `json:"connected_clients"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	MessagesProcessed   int64     `json:"messages_processed"`
	MessagesForwarded   int64     `json:"messages_forwarded"`
	SlowClientDrops     int64     `json:"slow_client_drops"`
	LastActivity        time.Time `json:"last_activity"`
	StartTime           time.Time `json:"start_time"`
}

// NewProxy creates a relay on top of feed.
func NewProxy(cfg *config.Config, feed *hyperliquid.Supervisor) *Proxy {
	p := &Proxy{
		config:        cfg,
		feed:          feed,
		subscriptions: make(map[string]*SubscriptionInfo),
		stopCh:        make(chan struct{}),
		stats: ProxyStats{
			StartTime: time.Now(),
		},
	}
	p.hub = client.NewHub(p.dropClient)
	return p
}

// Start runs the client hub and message processor.
func (p *Proxy) Start() {
	logrus.Info("Starting feed relay")

	p.unwatchFeed = p.feed.Watch(p.handleFeedState)

	go p.hub.Run()
	go p.processClientMessages()
	go p.updateStats()
}

// Stop disconnects all clients and releases their listeners.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		logrus.Info("Stopping feed relay...")
		if p.unwatchFeed != nil {
			p.unwatchFeed()
		}
		close(p.stopCh)
		p.hub.Close()
		p.releaseAll()
		logrus.Info("Feed relay stopped")
	})
}

// GetHub returns the client hub.
func (p *Proxy) GetHub() *client.Hub {
	return p.hub
}

// GetStats returns relay statistics.
func (p *Proxy) GetStats() ProxyStats {
	p.statsMu.RLock()
	stats := p.stats
	p.statsMu.RUnlock()

	stats.ConnectedClients = p.hub.GetClientCount()

	p.subMu.Lock()
	stats.ActiveSubscriptions = len(p.subscriptions)
	p.subMu.Unlock()

	return stats
}

// Subscriptions returns the relayed subscriptions and their client counts.
func (p *Proxy) Subscriptions() map[string]int {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	out := make(map[string]int, len(p.subscriptions))
	for key, info := range p.subscriptions {
		out[key] = len(info.Clients)
	}
	return out
}

func (p *Proxy) processClientMessages() {
	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.hub.ClientMessage:
			p.handleClientMessage(msg.Client, msg.Message)
		}
	}
}

func (p *Proxy) handleClientMessage(c *client.Client, data []byte) {
	p.statsMu.Lock()
	p.stats.MessagesProcessed++
	p.stats.LastActivity = time.Now()
	p.statsMu.Unlock()

	var msg types.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logrus.WithError(err).WithField("client_id", c.ID).Warn("Failed to parse client message")
		p.sendErrorToClient(c, "Invalid message format")
		return
	}

	switch msg.Method {
	case types.MethodSubscribe:
		p.handleSubscribe(c, msg.Subscription)
	case types.MethodUnsubscribe:
		p.handleUnsubscribe(c, msg.Subscription)
	case types.MethodPing:
		c.SendMessage(types.WSMessage{Channel: types.PongChannel})
	default:
		logrus.WithField("method", msg.Method).Warn("Unknown method")
		p.sendErrorToClient(c, "Unknown method: "+msg.Method)
	}
}

func (p *Proxy) handleSubscribe(c *client.Client, sub *types.SubscriptionRequest) {
	if sub == nil || sub.Type == "" {
		p.sendErrorToClient(c, "Missing subscription details")
		return
	}

	key := hyperliquid.ParamsKey(*sub)
	logrus.WithFields(logrus.Fields{
		"client_id": c.ID,
		"key":       key,
	}).Debug("Handling subscription")

	p.subMu.Lock()
	info, exists := p.subscriptions[key]
	if !exists {
		info = &SubscriptionInfo{
			Subscription: *sub,
			Channel:      sub.Type,
			Clients:      make(map[*client.Client]*hyperliquid.Listener),
		}
	}

	if _, subscribed := info.Clients[c]; !subscribed {
		l := p.clientListener(c, info)
		if exists {
			p.feed.AddListener(p.feed.KeyFor(info.Channel, info.Subscription), l)
		} else if !p.feed.Subscribe(info.Channel, info.Subscription, l) {
			p.subMu.Unlock()
			p.sendErrorToClient(c, fmt.Sprintf("Failed to subscribe: feed is %s", p.feed.State()))
			return
		} else {
			p.subscriptions[key] = info
		}
		info.Clients[c] = l
	}
	c.AddSubscription(key, *sub)
	last := info.LastMessage
	p.subMu.Unlock()

	p.sendResponse(c, types.MethodSubscribe, *sub)

	if last != nil {
		c.SendBytes(last)
	}
}

func (p *Proxy) handleUnsubscribe(c *client.Client, sub *types.SubscriptionRequest) {
	if sub == nil || sub.Type == "" {
		p.sendErrorToClient(c, "Missing subscription details")
		return
	}

	key := hyperliquid.ParamsKey(*sub)
	logrus.WithFields(logrus.Fields{
		"client_id": c.ID,
		"key":       key,
	}).Debug("Handling unsubscription")

	p.release(c, key)
	c.RemoveSubscription(key)
	p.sendResponse(c, types.MethodUnsubscribe, *sub)
}

// release detaches c from the subscription under key, unsubscribing upstream
// when c was the last client.
func (p *Proxy) release(c *client.Client, key string) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	info, exists := p.subscriptions[key]
	if !exists {
		return
	}
	l, ok := info.Clients[c]
	if !ok {
		return
	}
	delete(info.Clients, c)

	p.feed.RemoveListener(p.feed.KeyFor(info.Channel, info.Subscription), l)
	if len(info.Clients) == 0 {
		delete(p.subscriptions, key)
		p.feed.Unsubscribe(info.Channel, info.Subscription, l)
		logrus.WithField("key", key).Debug("Released upstream subscription")
	}
}

// dropClient runs when the hub unregisters a client.
func (p *Proxy) dropClient(c *client.Client) {
	for key := range c.Subscriptions() {
		p.release(c, key)
	}
}

func (p *Proxy) releaseAll() {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for key, info := range p.subscriptions {
		regKey := p.feed.KeyFor(info.Channel, info.Subscription)
		for _, l := range info.Clients {
			p.feed.RemoveListener(regKey, l)
		}
		delete(p.subscriptions, key)
	}
}

// handleFeedState forgets relayed subscriptions once the feed closes and
// will not come back on its own. With reconnect enabled the supervisor
// replays them instead.
func (p *Proxy) handleFeedState(_, next hyperliquid.State) {
	if p.config.Feed.EnableReconnect {
		return
	}
	if next != hyperliquid.Closed && next != hyperliquid.Errored {
		return
	}

	p.subMu.Lock()
	var clients []*client.Client
	for key, info := range p.subscriptions {
		regKey := p.feed.KeyFor(info.Channel, info.Subscription)
		for c, l := range info.Clients {
			p.feed.RemoveListener(regKey, l)
			c.RemoveSubscription(key)
			clients = append(clients, c)
		}
		delete(p.subscriptions, key)
	}
	p.subMu.Unlock()

	if len(clients) == 0 {
		return
	}
	logrus.WithField("clients", len(clients)).Warn("Upstream feed closed, dropped relayed subscriptions")
	for _, c := range clients {
		p.sendErrorToClient(c, "Upstream feed closed")
	}
}

// clientListener forwards messages matching info's subscription to c as
// {"channel":..,"data":..} frames.
func (p *Proxy) clientListener(c *client.Client, info *SubscriptionInfo) *hyperliquid.Listener {
	sub := info.Subscription
	return hyperliquid.NewListener(func(msg hyperliquid.Message) error {
		if !msg.Matches(sub) {
			return nil
		}

		frame, err := json.Marshal(types.WSMessage{Channel: msg.Channel, Data: msg.Data})
		if err != nil {
			return err
		}

		p.subMu.Lock()
		info.LastMessage = frame
		info.LastUpdate = msg.ReceivedAt
		p.subMu.Unlock()

		if err := c.SendBytes(frame); err != nil {
			p.statsMu.Lock()
			p.stats.SlowClientDrops++
			p.statsMu.Unlock()
			return fmt.Errorf("client %s: %w", c.ID, err)
		}

		p.statsMu.Lock()
		p.stats.MessagesForwarded++
		p.stats.LastActivity = time.Now()
		p.statsMu.Unlock()
		return nil
	})
}

func (p *Proxy) sendResponse(c *client.Client, method string, sub types.SubscriptionRequest) {
	data, err := json.Marshal(types.SubscriptionResponse{Method: method, Subscription: sub})
	if err != nil {
		return
	}
	c.SendMessage(types.WSMessage{
		Channel: types.SubscriptionResponseChannel,
		Data:    data,
	})
}

func (p *Proxy) sendErrorToClient(c *client.Client, errorMsg string) {
	data, err := json.Marshal(errorMsg)
	if err != nil {
		return
	}
	c.SendMessage(types.WSMessage{
		Channel: types.ErrorChannel,
		Data:    data,
	})
}

func (p *Proxy) updateStats() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			stats := p.GetStats()
			logrus.WithFields(logrus.Fields{
				"clients":       stats.ConnectedClients,
				"subscriptions": stats.ActiveSubscriptions,
				"messages_proc": stats.MessagesProcessed,
				"messages_fwd":  stats.MessagesForwarded,
				"slow_drops":    stats.SlowClientDrops,
			}).Debug("Relay statistics")
		}
	}
}

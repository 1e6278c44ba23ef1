package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"hyperliquid-feedmux/config"
	"hyperliquid-feedmux/types"
)

const (
	// Time allowed to write a frame to the feed.
	writeWait = 10 * time.Second
)

var (
	ErrNotOpen        = errors.New("feed connection not open")
	ErrSendQueueFull  = errors.New("send queue full")
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// Conn is the part of *websocket.Conn the supervisor uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the upstream connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials with gorilla/websocket.
func WebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Hyperliquid: %w", err)
		}
		return conn, nil
	}
}

// Options configures a Supervisor.
type Options struct {
	URL        string
	KeyMode    KeyMode
	SendBuffer int
	Dialer     Dialer

	EnableHeartbeat   bool
	HeartbeatInterval time.Duration

	// Reconnect replays the desired subscription set after every reopen.
	EnableReconnect bool
	MaxRetries      int
	RetryInterval   time.Duration

	Bootstrap []BootstrapFeed
}

func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig maps the feed sections of cfg to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	mode, err := ParseKeyMode(cfg.Feed.KeyMode)
	if err != nil {
		logrus.WithError(err).Warn("Invalid key mode, using channel")
	}

	var feeds []BootstrapFeed
	if cfg.Bootstrap.Enabled {
		for _, f := range cfg.Bootstrap.Feeds {
			feeds = append(feeds, BootstrapFeed{
				Channel: f.Channel,
				Subscription: types.SubscriptionRequest{
					Type: f.Type,
					User: f.User,
					Coin: f.Coin,
				},
			})
		}
	}

	return Options{
		URL:               cfg.GetHyperliquidURL(),
		KeyMode:           mode,
		SendBuffer:        cfg.Feed.SendBuffer,
		Dialer:            WebsocketDialer(time.Duration(cfg.Feed.HandshakeTimeout) * time.Second),
		EnableHeartbeat:   cfg.Feed.EnableHeartbeat,
		HeartbeatInterval: time.Duration(cfg.Feed.HeartbeatInterval) * time.Second,
		EnableReconnect:   cfg.Feed.EnableReconnect,
		MaxRetries:        cfg.Feed.ReconnectMaxRetries,
		RetryInterval:     time.Duration(cfg.Feed.ReconnectInterval) * time.Second,
		Bootstrap:         feeds,
	}
}

// Stats holds supervisor statistics.
type Stats struct {
	State           State
	ConnectedAt     time.Time
	LastMessage     time.Time
	LastPong        time.Time
	Connects        int64
	CommandsSent    int64
	CommandsDropped int64
	TransportErrors int64
	Router          RouterStats
}

// session is one live connection.
type session struct {
	conn     Conn
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Supervisor owns the single upstream stream and its lifecycle.
type Supervisor struct {
	opts      Options
	registry  *Registry
	router    *Router
	bootstrap *Bootstrapper

	mu          sync.RWMutex
	state       State
	sess        *session
	started     bool
	connectedAt time.Time
	lastMessage time.Time
	lastPong    time.Time

	stopOnce sync.Once
	stopCh   chan struct{}

	// Subscriptions accepted while open, keyed by ParamsKey.
	desiredMu sync.Mutex
	desired   map[string]types.SubscriptionRequest

	watchMu  sync.RWMutex
	watchers map[int]StateFunc
	nextID   int

	connects        atomic.Int64
	commandsSent    atomic.Int64
	commandsDropped atomic.Int64
	transportErrors atomic.Int64
}

var (
	instanceOnce sync.Once
	instance     *Supervisor

	defaultOptsMu sync.Mutex
	defaultOpts   *Options
)

// Configure sets the options GetInstance builds the singleton from. It has no
// effect once the singleton exists.
func Configure(opts Options) {
	defaultOptsMu.Lock()
	defer defaultOptsMu.Unlock()
	defaultOpts = &opts
}

// GetInstance returns the process-wide supervisor, creating and starting it
// on first use.
func GetInstance() *Supervisor {
	instanceOnce.Do(func() {
		defaultOptsMu.Lock()
		var opts Options
		if defaultOpts != nil {
			opts = *defaultOpts
		} else {
			opts = DefaultOptions()
		}
		defaultOptsMu.Unlock()

		instance = New(opts)
		if err := instance.Start(context.Background()); err != nil {
			logrus.WithError(err).Error("Failed to start feed supervisor")
		}
	})
	return instance
}

// New creates a supervisor without connecting. Most callers want GetInstance.
func New(opts Options) *Supervisor {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer(10 * time.Second)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 50 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}

	registry := NewRegistry()
	return &Supervisor{
		opts:      opts,
		registry:  registry,
		router:    NewRouter(registry, opts.KeyMode),
		bootstrap: NewBootstrapper(opts.Bootstrap),
		state:     Disconnected,
		stopCh:    make(chan struct{}),
		desired:   make(map[string]types.SubscriptionRequest),
		watchers:  make(map[int]StateFunc),
	}
}

// Start opens the stream in the background. State changes report progress.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop closes the stream and stops reconnecting.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.RLock()
		sess := s.sess
		started := s.started
		s.mu.RUnlock()

		if sess != nil {
			s.setState(Closing)
			sess.close()
			logrus.Info("Disconnected from Hyperliquid WebSocket")
		} else if !started {
			s.setState(Closed)
		}
	})
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) IsOpen() bool {
	return s.State() == Open
}

func (s *Supervisor) Registry() *Registry {
	return s.registry
}

func (s *Supervisor) KeyMode() KeyMode {
	return s.opts.KeyMode
}

// KeyFor returns the registry key for a subscription on channel under the
// configured key mode.
func (s *Supervisor) KeyFor(channel string, sub types.SubscriptionRequest) string {
	if s.opts.KeyMode == KeyBySubscription {
		return SubscriptionKey(sub)
	}
	return channel
}

// AddListener registers l under key without sending anything.
func (s *Supervisor) AddListener(key string, l *Listener) {
	s.registry.AddListener(key, l)
}

// RemoveListener unregisters l from key without sending anything.
func (s *Supervisor) RemoveListener(key string, l *Listener) {
	s.registry.RemoveListener(key, l)
}

// Watch registers fn for state transitions and returns a func that removes it.
// fn runs on the goroutine making the transition.
func (s *Supervisor) Watch(fn StateFunc) (cancel func()) {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

// WaitForState blocks until the supervisor reaches want or ctx ends.
func (s *Supervisor) WaitForState(ctx context.Context, want State) error {
	reached := make(chan struct{}, 1)
	cancel := s.Watch(func(_, next State) {
		if next == want {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	if s.State() == want {
		return nil
	}

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for state %s (current %s): %w", want, s.State(), ctx.Err())
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev == next {
		return
	}

	logrus.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("Feed state changed")

	s.watchMu.RLock()
	watchers := make([]StateFunc, 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.watchMu.RUnlock()

	for _, fn := range watchers {
		fn(prev, next)
	}
}

// Subscribe sends a subscribe command and registers l under key. While the
// connection is not open it does nothing and returns false.
func (s *Supervisor) Subscribe(key string, sub types.SubscriptionRequest, l *Listener) bool {
	if !s.IsOpen() {
		logrus.WithFields(logrus.Fields{
			"key":  key,
			"type": sub.Type,
			"coin": sub.Coin,
		}).Debug("Ignoring subscribe while feed is not open")
		return false
	}

	if err := s.sendCommand(types.MethodSubscribe, sub); err != nil {
		logrus.WithError(err).WithField("type", sub.Type).Warn("Failed to send subscribe")
		return false
	}

	regKey := s.KeyFor(key, sub)
	s.registry.AddListener(regKey, l)

	s.desiredMu.Lock()
	s.desired[ParamsKey(sub)] = sub
	s.desiredMu.Unlock()

	return true
}

// Unsubscribe sends an unsubscribe command. A non-nil l is removed from key;
// a nil l clears every listener under key, including those registered by
// other subscriptions sharing it. While not open it does nothing and returns
// false.
func (s *Supervisor) Unsubscribe(key string, sub types.SubscriptionRequest, l *Listener) bool {
	if !s.IsOpen() {
		logrus.WithFields(logrus.Fields{
			"key":  key,
			"type": sub.Type,
			"coin": sub.Coin,
		}).Debug("Ignoring unsubscribe while feed is not open")
		return false
	}

	if err := s.sendCommand(types.MethodUnsubscribe, sub); err != nil {
		logrus.WithError(err).WithField("type", sub.Type).Warn("Failed to send unsubscribe")
	}

	regKey := s.KeyFor(key, sub)
	if l != nil {
		s.registry.RemoveListener(regKey, l)
	} else {
		s.registry.Clear(regKey)
	}

	s.desiredMu.Lock()
	delete(s.desired, ParamsKey(sub))
	s.desiredMu.Unlock()

	return true
}

func (s *Supervisor) sendCommand(method string, sub types.SubscriptionRequest) error {
	return s.sendMessage(types.NewCommand(method, sub))
}

// sendMessage queues message for the write pump without blocking.
func (s *Supervisor) sendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	s.mu.RLock()
	sess := s.sess
	s.mu.RUnlock()
	if sess == nil {
		return ErrNotOpen
	}

	select {
	case sess.outgoing <- data:
		s.commandsSent.Add(1)
		return nil
	case <-sess.done:
		return ErrNotOpen
	default:
		s.commandsDropped.Add(1)
		return ErrSendQueueFull
	}
}

// run drives the connection state machine until Stop or ctx ends.
func (s *Supervisor) run(ctx context.Context) {
	attempt := 0
	for {
		if err := s.connect(ctx); err == nil {
			attempt = 0
			s.serve(ctx)
		}

		if s.stopped() || ctx.Err() != nil {
			s.setState(Closed)
			return
		}
		s.setState(Closed)

		if !s.opts.EnableReconnect {
			return
		}
		if attempt >= s.opts.MaxRetries {
			logrus.WithField("attempts", attempt).Error("Max reconnection attempts reached")
			return
		}
		attempt++

		delay := time.Duration(attempt) * s.opts.RetryInterval
		logrus.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Info("Attempting to reconnect...")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			s.setState(Closed)
			return
		case <-ctx.Done():
			timer.Stop()
			s.setState(Closed)
			return
		}
	}
}

// connect dials and, on success, enters Open.
func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(Connecting)
	logrus.WithField("url", s.opts.URL).Info("Connecting to Hyperliquid WebSocket")

	conn, err := s.opts.Dialer(ctx, s.opts.URL)
	if err != nil {
		s.transportErrors.Add(1)
		logrus.WithError(err).Error("Connection failed")
		s.setState(Errored)
		return err
	}

	sess := &session{
		conn:     conn,
		outgoing: make(chan []byte, s.opts.SendBuffer),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		conn.Close()
		return ErrNotOpen
	}
	s.sess = sess
	s.connectedAt = time.Now()
	s.mu.Unlock()
	s.connects.Add(1)

	go s.writePump(sess)

	s.setState(Open)
	logrus.Info("Connected to Hyperliquid WebSocket")
	s.handleOpen()

	return nil
}

// handleOpen subscribes the startup feeds and, when reconnecting is enabled,
// replays the rest of the desired set.
func (s *Supervisor) handleOpen() {
	s.bootstrap.Run(s)

	if !s.opts.EnableReconnect {
		return
	}

	s.desiredMu.Lock()
	replay := make([]types.SubscriptionRequest, 0, len(s.desired))
	for _, sub := range s.desired {
		if !s.bootstrap.Covers(sub) {
			replay = append(replay, sub)
		}
	}
	s.desiredMu.Unlock()

	for _, sub := range replay {
		if err := s.sendCommand(types.MethodSubscribe, sub); err != nil {
			logrus.WithError(err).WithField("type", sub.Type).Error("Failed to resubscribe")
		}
	}
	if len(replay) > 0 {
		logrus.WithField("count", len(replay)).Info("Resubscribed to all subscriptions")
	}
}

// serve runs the read loop on the calling goroutine until the session ends.
func (s *Supervisor) serve(ctx context.Context) {
	s.mu.RLock()
	sess := s.sess
	s.mu.RUnlock()

	go func() {
		select {
		case <-ctx.Done():
			sess.close()
		case <-sess.done:
		}
	}()

	err := s.readPump(sess)
	sess.close()

	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()

	switch {
	case s.stopped() || ctx.Err() != nil:
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logrus.WithError(err).Info("WebSocket connection closed by server")
	default:
		s.transportErrors.Add(1)
		logrus.WithError(err).Error("WebSocket read error")
		s.setState(Errored)
	}
}

// readPump reads frames and hands them to the router until the connection fails.
func (s *Supervisor) readPump(sess *session) error {
	for {
		if s.opts.EnableHeartbeat {
			sess.conn.SetReadDeadline(time.Now().Add(2 * s.opts.HeartbeatInterval))
		}

		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			return err
		}

		s.processMessage(message)
	}
}

// writePump serializes writes and sends JSON heartbeats when enabled.
func (s *Supervisor) writePump(sess *session) {
	var heartbeat <-chan time.Time
	if s.opts.EnableHeartbeat {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-sess.done:
			return

		case message := <-sess.outgoing:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.transportErrors.Add(1)
				logrus.WithError(err).Error("Write error")
				sess.close()
				return
			}

		case <-heartbeat:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"ping"}`)); err != nil {
				s.transportErrors.Add(1)
				logrus.WithError(err).Error("Heartbeat error")
				sess.close()
				return
			}
			logrus.Debug("Sent JSON heartbeat to Hyperliquid")
		}
	}
}

var pongFrames = [][]byte{
	[]byte(`{"channel":"pong"}`),
	[]byte(`{"method":"pong"}`),
	[]byte(`{"status":"pong"}`),
}

func (s *Supervisor) processMessage(data []byte) {
	now := time.Now()
	trimmed := bytes.TrimSpace(data)
	for _, pong := range pongFrames {
		if bytes.Equal(trimmed, pong) {
			s.mu.Lock()
			s.lastPong = now
			s.mu.Unlock()
			logrus.Debug("Received JSON pong from Hyperliquid")
			return
		}
	}

	s.mu.Lock()
	s.lastMessage = now
	s.mu.Unlock()

	s.router.Route(data)
}

// Stats returns a snapshot of supervisor and router statistics.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	stats := Stats{
		State:       s.state,
		ConnectedAt: s.connectedAt,
		LastMessage: s.lastMessage,
		LastPong:    s.lastPong,
	}
	s.mu.RUnlock()

	stats.Connects = s.connects.Load()
	stats.CommandsSent = s.commandsSent.Load()
	stats.CommandsDropped = s.commandsDropped.Load()
	stats.TransportErrors = s.transportErrors.Load()
	stats.Router = s.router.Stats()
	return stats
}

// Desired returns the subscriptions the supervisor would replay on reopen.
func (s *Supervisor) Desired() []types.SubscriptionRequest {
	s.desiredMu.Lock()
	defer s.desiredMu.Unlock()

	out := make([]types.SubscriptionRequest, 0, len(s.desired))
	for _, sub := range s.desired {
		out = append(out, sub)
	}
	return out
}

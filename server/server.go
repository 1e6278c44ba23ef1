package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"hyperliquid-feedmux/client"
	"hyperliquid-feedmux/config"
	"hyperliquid-feedmux/hyperliquid"
	"hyperliquid-feedmux/proxy"
)

const version = "1.0.0"

// Server exposes feed status over HTTP and, when the relay is enabled, the
// downstream WebSocket endpoint.
type Server struct {
	config    *config.Config
	feed      *hyperliquid.Supervisor
	proxy     *proxy.Proxy
	server    *http.Server
	startTime time.Time
}

// NewServer creates a server. p may be nil when the relay is disabled.
func NewServer(cfg *config.Config, feed *hyperliquid.Supervisor, p *proxy.Proxy) *Server {
	s := &Server{
		config:    cfg,
		feed:      feed,
		proxy:     p,
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.proxy != nil {
		mux.HandleFunc("/ws", s.handleWebSocket)
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/info", s.handleInfo)

	return s.logMiddleware(s.corsMiddleware(mux))
}

// Start serves until Shutdown. It returns nil after a clean shutdown,
// including one that happened before Start was called.
func (s *Server) Start() error {
	logrus.WithField("address", s.config.GetServerAddress()).Info("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	logrus.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logrus.WithFields(logrus.Fields{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
		"origin":      r.Header.Get("Origin"),
	}).Info("New WebSocket connection")

	if s.proxy.GetHub().GetClientCount() >= s.config.Relay.MaxClients {
		http.Error(w, "Too many clients connected", http.StatusTooManyRequests)
		return
	}

	client.ServeWS(s.proxy.GetHub(), w, r)
}

// handleHealth reports healthy only while the upstream feed is open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.feed.State()

	status, code := "healthy", http.StatusOK
	if state != hyperliquid.Open {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"feed_state": state.String(),
		"timestamp":  time.Now().Unix(),
		"uptime":     time.Since(s.startTime).Seconds(),
		"version":    version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.feed.Stats()

	response := map[string]interface{}{
		"feed": map[string]interface{}{
			"state":            stats.State.String(),
			"connected_at":     unixOrZero(stats.ConnectedAt),
			"last_message":     unixOrZero(stats.LastMessage),
			"last_pong":        unixOrZero(stats.LastPong),
			"connects":         stats.Connects,
			"commands_sent":    stats.CommandsSent,
			"commands_dropped": stats.CommandsDropped,
			"transport_errors": stats.TransportErrors,
		},
		"router": map[string]interface{}{
			"messages_received": stats.Router.MessagesReceived,
			"messages_routed":   stats.Router.MessagesRouted,
			"messages_dropped":  stats.Router.MessagesDropped,
			"parse_errors":      stats.Router.ParseErrors,
			"decode_errors":     stats.Router.DecodeErrors,
			"listener_errors":   stats.Router.ListenerErrors,
			"deliveries":        stats.Router.Deliveries,
		},
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}
	if s.proxy != nil {
		response["relay"] = s.proxy.GetStats()
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"key_mode":  s.feed.KeyMode().String(),
		"listeners": s.feed.Registry().Summary(),
		"desired":   s.feed.Desired(),
	}
	if s.proxy != nil {
		response["relay"] = s.proxy.Subscriptions()
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health":        "/health",
		"stats":         "/stats",
		"subscriptions": "/subscriptions",
		"info":          "/info",
	}
	if s.proxy != nil {
		endpoints["websocket"] = "/ws"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "Hyperliquid Feed Multiplexer",
		"version":     version,
		"description": "Shares one Hyperliquid market-data WebSocket between many consumers",
		"endpoints":   endpoints,
		"supported_subscriptions": []string{
			"allMids", "l2Book", "trades", "candle", "bbo",
			"webData2", "activeAssetCtx",
		},
		"config": map[string]interface{}{
			"network":          s.config.Hyperliquid.Network,
			"key_mode":         s.config.Feed.KeyMode,
			"enable_heartbeat": s.config.Feed.EnableHeartbeat,
			"enable_reconnect": s.config.Feed.EnableReconnect,
			"bootstrap":        s.config.Bootstrap.Enabled,
			"relay":            s.config.Relay.Enabled,
			"max_clients":      s.config.Relay.MaxClients,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// logMiddleware logs HTTP requests at debug level.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logrus.WithFields(logrus.Fields{
			"method":      r.Method,
			"url":         r.URL.Path,
			"status":      wrapped.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Debug("HTTP request")
	})
}

// responseWriter captures the status code and forwards Hijack for /ws.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"hyperliquid-feedmux/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 256
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrClientSlow   = errors.New("client send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one downstream relay connection.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Hub  *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.RWMutex
	subscriptions map[string]types.SubscriptionRequest
}

// ClientMessage is a frame read from a client.
type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Hub tracks connected clients and funnels their frames to one consumer.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	Register   chan *Client
	Unregister chan *Client

	// ClientMessage carries every frame read from any client.
	ClientMessage chan ClientMessage

	onUnregister func(*Client)

	quit     chan struct{}
	quitOnce sync.Once
}

func NewClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		ID:            uuid.NewString(),
		Conn:          conn,
		Hub:           hub,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]types.SubscriptionRequest),
	}
}

// NewHub creates a hub. onUnregister, if set, runs on the hub goroutine after
// a client is removed.
func NewHub(onUnregister func(*Client)) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		ClientMessage: make(chan ClientMessage, 256),
		onUnregister:  onUnregister,
		quit:          make(chan struct{}),
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	h.quitOnce.Do(func() {
		close(h.quit)
	})
}

// Run processes registrations until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.Register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			logrus.WithField("client_id", c.ID).Info("Client registered")

		case c := <-h.Unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			delete(h.clients, c)
			h.mu.Unlock()

			if ok {
				c.close()
				if h.onUnregister != nil {
					h.onUnregister(c)
				}
				logrus.WithField("client_id", c.ID).Info("Client unregistered")
			}
		}
	}
}

// ServeWS upgrades the request and starts the client's pumps.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade connection")
		return
	}

	c := NewClient(conn, hub)
	select {
	case hub.Register <- c:
	case <-hub.quit:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump pumps frames from the connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).WithField("client_id", c.ID).Error("WebSocket error")
			}
			return
		}

		select {
		case c.Hub.ClientMessage <- ClientMessage{Client: c, Message: message}:
		case <-c.done:
			return
		}
	}
}

// writePump pumps queued frames to the connection, one frame per message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendBytes queues a raw frame without blocking.
func (c *Client) SendBytes(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrClientSlow
	}
}

// SendMessage marshals message and queues it.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.SendBytes(data)
}

func (c *Client) AddSubscription(key string, sub types.SubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[key] = sub
}

func (c *Client) RemoveSubscription(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, key)
}

// Subscriptions returns a copy of the client's subscriptions.
func (c *Client) Subscriptions() map[string]types.SubscriptionRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := make(map[string]types.SubscriptionRequest, len(c.subscriptions))
	for k, v := range c.subscriptions {
		subs[k] = v
	}
	return subs
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

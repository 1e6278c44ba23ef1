package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"hyperliquid-feedmux/config"
	"hyperliquid-feedmux/types"
)

// mockFeed is a test WebSocket server standing in for the exchange. It records
// every command it receives and exposes each accepted connection.
type mockFeed struct {
	server   *httptest.Server
	commands chan types.WSMessage
	conns    chan *websocket.Conn
}

func newMockFeed(t *testing.T) *mockFeed {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	f := &mockFeed{
		commands: make(chan types.WSMessage, 100),
		conns:    make(chan *websocket.Conn, 10),
	}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		f.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg types.WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Logf("mock feed got invalid command: %s", data)
				continue
			}
			f.commands <- msg
		}
	}))
	t.Cleanup(f.server.Close)

	return f
}

func (f *mockFeed) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *mockFeed) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func (f *mockFeed) expectCommand(t *testing.T) types.WSMessage {
	t.Helper()
	select {
	case msg := <-f.commands:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return types.WSMessage{}
	}
}

func (f *mockFeed) expectNoCommand(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.commands:
		t.Fatalf("unexpected command: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func testOptions(url string) Options {
	return Options{
		URL:        url,
		SendBuffer: 16,
		Dialer:     WebsocketDialer(time.Second),
	}
}

// startSupervisor starts s and waits for it to open.
func startSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()

	s := New(opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitForState(ctx, Open); err != nil {
		t.Fatalf("supervisor did not open: %v", err)
	}
	return s
}

// received collects messages delivered to a listener from the read goroutine.
type received struct {
	mu   sync.Mutex
	msgs []Message
	ch   chan struct{}
}

func newReceived() *received {
	return &received{ch: make(chan struct{}, 100)}
}

func (r *received) listener() *Listener {
	return NewListener(func(msg Message) error {
		r.mu.Lock()
		r.msgs = append(r.msgs, msg)
		r.mu.Unlock()
		r.ch <- struct{}{}
		return nil
	})
}

func (r *received) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func (r *received) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestSupervisor_SubscribeWhileOpen(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))
	conn := feed.nextConn(t)

	rec := newReceived()
	sub := types.SubscriptionRequest{Type: "l2Book", Coin: "BTC"}
	if !s.Subscribe("orderBook", sub, rec.listener()) {
		t.Fatal("Subscribe returned false while open")
	}

	cmd := feed.expectCommand(t)
	if cmd.Method != "subscribe" {
		t.Errorf("Method = %s, want subscribe", cmd.Method)
	}
	if cmd.Subscription == nil || cmd.Subscription.Type != "l2Book" || cmd.Subscription.Coin != "BTC" {
		t.Errorf("Subscription = %+v", cmd.Subscription)
	}
	feed.expectNoCommand(t)

	if got := s.Registry().Len("orderBook"); got != 1 {
		t.Fatalf("registry Len = %d, want 1", got)
	}

	frame := `{"channel":"orderBook","data":{"levels":[[{"px":"100","sz":"1"}],[{"px":"101","sz":"2"}]]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	rec.wait(t)

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("L1 invoked %d times, want 1", rec.count())
	}
	if got := string(rec.messages()[0].Data); got != `{"levels":[[{"px":"100","sz":"1"}],[{"px":"101","sz":"2"}]]}` {
		t.Errorf("data = %s", got)
	}
}

func TestSupervisor_SubscribeWhileClosed(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))
	conn := feed.nextConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn.Close()
	if err := s.WaitForState(ctx, Closed); err != nil {
		t.Fatalf("supervisor did not close: %v", err)
	}

	rec := newReceived()
	if s.Subscribe("trades", types.SubscriptionRequest{Type: "trades", Coin: "ETH"}, rec.listener()) {
		t.Error("Subscribe returned true while closed")
	}
	feed.expectNoCommand(t)
	if s.Registry().Has("trades") {
		t.Error("listener registered while closed")
	}

	if n := s.router.Route([]byte(`{"channel":"trades","data":[{"coin":"ETH","side":"B","px":"1","sz":"1","time":1}]}`)); n != 0 {
		t.Errorf("late frame delivered to %d listeners, want 0", n)
	}
	if rec.count() != 0 {
		t.Errorf("listener invoked %d times", rec.count())
	}
}

func TestSupervisor_SubscribeBeforeStart(t *testing.T) {
	s := New(testOptions("ws://127.0.0.1:1"))
	if s.State() != Disconnected {
		t.Fatalf("State = %s, want disconnected", s.State())
	}
	if s.Subscribe("allMids", types.SubscriptionRequest{Type: "allMids"}, Noop()) {
		t.Error("Subscribe returned true before start")
	}
	if s.Unsubscribe("allMids", types.SubscriptionRequest{Type: "allMids"}, nil) {
		t.Error("Unsubscribe returned true before start")
	}
}

func TestSupervisor_UnsubscribeListenerOnly(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))

	btc := types.SubscriptionRequest{Type: "l2Book", Coin: "BTC"}
	eth := types.SubscriptionRequest{Type: "l2Book", Coin: "ETH"}
	l1, l2 := Noop(), Noop()
	s.Subscribe("l2Book", btc, l1)
	s.Subscribe("l2Book", eth, l2)
	feed.expectCommand(t)
	feed.expectCommand(t)

	if !s.Unsubscribe("l2Book", btc, l1) {
		t.Fatal("Unsubscribe returned false while open")
	}
	cmd := feed.expectCommand(t)
	if cmd.Method != "unsubscribe" || cmd.Subscription.Coin != "BTC" {
		t.Errorf("command = %+v", cmd)
	}

	snap := s.Registry().Snapshot("l2Book")
	if len(snap) != 1 || snap[0] != l2 {
		t.Errorf("remaining listeners = %v, want [l2]", snap)
	}
}

func TestSupervisor_UnsubscribeWithoutListenerClearsKey(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))

	btc := types.SubscriptionRequest{Type: "l2Book", Coin: "BTC"}
	eth := types.SubscriptionRequest{Type: "l2Book", Coin: "ETH"}
	s.Subscribe("l2Book", btc, Noop())
	s.Subscribe("l2Book", eth, Noop())
	feed.expectCommand(t)
	feed.expectCommand(t)

	s.Unsubscribe("l2Book", btc, nil)
	feed.expectCommand(t)

	// The ETH listener shared the key and goes too.
	if s.Registry().Has("l2Book") {
		t.Errorf("l2Book entry still present: %v", s.Registry().Snapshot("l2Book"))
	}
}

func TestSupervisor_CrossDeliveryUnderSharedKey(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))
	conn := feed.nextConn(t)

	btcRec, ethRec := newReceived(), newReceived()
	s.Subscribe("l2Book", types.SubscriptionRequest{Type: "l2Book", Coin: "BTC"}, btcRec.listener())
	s.Subscribe("l2Book", types.SubscriptionRequest{Type: "l2Book", Coin: "ETH"}, ethRec.listener())

	conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"l2Book","data":{"coin":"BTC","levels":[[],[]]}}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"l2Book","data":{"coin":"ETH","levels":[[],[]]}}`))

	for i := 0; i < 2; i++ {
		btcRec.wait(t)
		ethRec.wait(t)
	}
	if btcRec.count() != 2 || ethRec.count() != 2 {
		t.Errorf("btc=%d eth=%d, want 2 each", btcRec.count(), ethRec.count())
	}
}

func TestSupervisor_SubscriptionKeyMode(t *testing.T) {
	feed := newMockFeed(t)
	opts := testOptions(feed.url())
	opts.KeyMode = KeyBySubscription
	s := startSupervisor(t, opts)
	conn := feed.nextConn(t)

	btcRec, ethRec := newReceived(), newReceived()
	s.Subscribe("l2Book", types.SubscriptionRequest{Type: "l2Book", Coin: "BTC"}, btcRec.listener())
	s.Subscribe("l2Book", types.SubscriptionRequest{Type: "l2Book", Coin: "ETH"}, ethRec.listener())

	if s.Registry().Len("l2Book-BTC") != 1 || s.Registry().Len("l2Book-ETH") != 1 {
		t.Fatalf("registry = %v", s.Registry().Summary())
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"l2Book","data":{"coin":"ETH","levels":[[],[]]}}`))
	ethRec.wait(t)
	time.Sleep(50 * time.Millisecond)

	if btcRec.count() != 0 {
		t.Errorf("BTC listener received %d ETH books", btcRec.count())
	}
}

func TestSupervisor_BootstrapOnOpen(t *testing.T) {
	feed := newMockFeed(t)
	opts := testOptions(feed.url())
	opts.Bootstrap = OptionsFromConfig(config.Default()).Bootstrap
	s := startSupervisor(t, opts)

	first := feed.expectCommand(t)
	second := feed.expectCommand(t)

	if first.Subscription.Type != "allMids" {
		t.Errorf("first bootstrap = %+v, want allMids", first.Subscription)
	}
	if second.Subscription.Type != "webData2" || second.Subscription.User != "0x0000000000000000000000000000000000000000" {
		t.Errorf("second bootstrap = %+v, want webData2 for zero address", second.Subscription)
	}
	if s.Registry().Len("allMids") != 1 || s.Registry().Len("webData2") != 1 {
		t.Errorf("registry = %v", s.Registry().Summary())
	}
}

func TestSupervisor_ReconnectReplaysSubscriptions(t *testing.T) {
	feed := newMockFeed(t)
	opts := testOptions(feed.url())
	opts.Bootstrap = OptionsFromConfig(config.Default()).Bootstrap
	opts.EnableReconnect = true
	opts.MaxRetries = 3
	opts.RetryInterval = 10 * time.Millisecond
	s := startSupervisor(t, opts)
	first := feed.nextConn(t)
	feed.expectCommand(t)
	feed.expectCommand(t)

	rec := newReceived()
	sub := types.SubscriptionRequest{Type: "trades", Coin: "ETH"}
	s.Subscribe("trades", sub, rec.listener())
	feed.expectCommand(t)

	var mu sync.Mutex
	var seen []State
	cancel := s.Watch(func(_, next State) {
		mu.Lock()
		seen = append(seen, next)
		mu.Unlock()
	})
	defer cancel()

	first.Close()
	second := feed.nextConn(t)

	replayed := map[string]int{}
	for i := 0; i < 3; i++ {
		cmd := feed.expectCommand(t)
		replayed[SubscriptionKey(*cmd.Subscription)]++
	}
	feed.expectNoCommand(t)
	for _, key := range []string{"allMids", "webData2-0x0000000000000000000000000000000000000000", "trades-ETH"} {
		if replayed[key] != 1 {
			t.Errorf("replayed[%s] = %d, want 1 (all: %v)", key, replayed[key], replayed)
		}
	}

	// Bootstrap listeners are swapped, not stacked.
	if s.Registry().Len("allMids") != 1 {
		t.Errorf("allMids listeners = %d, want 1", s.Registry().Len("allMids"))
	}

	second.WriteMessage(websocket.TextMessage, []byte(`{"channel":"trades","data":[{"coin":"ETH","side":"A","px":"1","sz":"1","time":1}]}`))
	rec.wait(t)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != Open {
		t.Errorf("state transitions = %v, want to end in open", seen)
	}
	sawClosed := false
	for _, st := range seen {
		if st == Closed {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Errorf("state transitions = %v, want a closed state", seen)
	}
}

func TestSupervisor_NoReconnectByDefault(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))
	conn := feed.nextConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn.Close()
	if err := s.WaitForState(ctx, Closed); err != nil {
		t.Fatal(err)
	}

	select {
	case <-feed.conns:
		t.Error("supervisor reconnected without reconnect enabled")
	case <-time.After(200 * time.Millisecond):
	}
	if s.State() != Closed {
		t.Errorf("State = %s, want closed", s.State())
	}
}

func TestSupervisor_StopTransitions(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))

	var mu sync.Mutex
	var seen []State
	s.Watch(func(_, next State) {
		mu.Lock()
		seen = append(seen, next)
		mu.Unlock()
	})

	s.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitForState(ctx, Closed); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != Closing || seen[len(seen)-1] != Closed {
		t.Errorf("transitions = %v, want closing ... closed", seen)
	}
}

func TestSupervisor_DialFailure(t *testing.T) {
	opts := testOptions("ws://127.0.0.1:1/ws")
	s := New(opts)

	errored := make(chan struct{}, 1)
	s.Watch(func(_, next State) {
		if next == Errored {
			select {
			case errored <- struct{}{}:
			default:
			}
		}
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	select {
	case <-errored:
	case <-time.After(2 * time.Second):
		t.Fatal("no errored transition after failed dial")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitForState(ctx, Closed); err != nil {
		t.Fatal(err)
	}
	if s.Stats().TransportErrors == 0 {
		t.Error("TransportErrors not counted")
	}
}

func TestSupervisor_StartTwice(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))
	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisor_PongNotRouted(t *testing.T) {
	feed := newMockFeed(t)
	s := startSupervisor(t, testOptions(feed.url()))
	conn := feed.nextConn(t)

	rec := newReceived()
	s.AddListener("pong", rec.listener())
	s.Subscribe("allMids", types.SubscriptionRequest{Type: "allMids"}, rec.listener())

	conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"pong"}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"allMids","data":{"mids":{}}}`))
	rec.wait(t)
	time.Sleep(50 * time.Millisecond)

	if msgs := rec.messages(); len(msgs) != 1 || msgs[0].Channel != "allMids" {
		t.Errorf("deliveries = %d, want only allMids", rec.count())
	}
	if s.Stats().LastPong.IsZero() {
		t.Error("LastPong not recorded")
	}
}

func TestSupervisor_HeartbeatPing(t *testing.T) {
	feed := newMockFeed(t)
	opts := testOptions(feed.url())
	opts.EnableHeartbeat = true
	opts.HeartbeatInterval = 25 * time.Millisecond
	startSupervisor(t, opts)

	cmd := feed.expectCommand(t)
	if cmd.Method != "ping" {
		t.Errorf("Method = %s, want ping", cmd.Method)
	}
}

func TestGetInstance_Singleton(t *testing.T) {
	feed := newMockFeed(t)
	Configure(testOptions(feed.url()))

	a := GetInstance()
	b := GetInstance()
	if a != b {
		t.Fatal("GetInstance returned different instances")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.WaitForState(ctx, Open); err != nil {
		t.Fatal(err)
	}
	a.Stop()
}

func TestSupervisor_DistinctParametersReplayedSeparately(t *testing.T) {
	feed := newMockFeed(t)
	opts := testOptions(feed.url())
	opts.EnableReconnect = true
	opts.MaxRetries = 3
	opts.RetryInterval = 10 * time.Millisecond
	s := startSupervisor(t, opts)
	first := feed.nextConn(t)

	five := 5
	coarse := types.SubscriptionRequest{Type: "l2Book", Coin: "BTC", NSigFigs: &five}
	fine := types.SubscriptionRequest{Type: "l2Book", Coin: "BTC"}
	s.Subscribe("l2Book", coarse, Noop())
	s.Subscribe("l2Book", fine, Noop())
	feed.expectCommand(t)
	feed.expectCommand(t)

	if got := len(s.Desired()); got != 2 {
		t.Fatalf("Desired has %d entries, want 2", got)
	}

	s.Unsubscribe("l2Book", fine, nil)
	feed.expectCommand(t)

	desired := s.Desired()
	if len(desired) != 1 || desired[0].NSigFigs == nil || *desired[0].NSigFigs != 5 {
		t.Fatalf("Desired = %+v, want only the nSigFigs=5 book", desired)
	}

	first.Close()
	feed.nextConn(t)

	cmd := feed.expectCommand(t)
	if cmd.Method != "subscribe" || cmd.Subscription.NSigFigs == nil || *cmd.Subscription.NSigFigs != 5 {
		t.Errorf("replayed = %+v, want l2Book BTC nSigFigs=5", cmd.Subscription)
	}
	feed.expectNoCommand(t)
}

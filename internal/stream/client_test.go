package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	jsoniter "github.com/json-iterator/go"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		URL:                   wsURL(srv),
		Commitment:            "confirmed",
		Heartbeat:             time.Minute,
		CallTimeout:           time.Second,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     50 * time.Millisecond,
	}
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsConnected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client did not connect, state: %s", c.State())
}

func TestBackoffDelaySequence(t *testing.T) {
	c := NewClient(Config{
		URL:                   "ws://unused",
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectJitterFrac:   0.2,
	}, nil)

	// База: 1s, 2s, 4s, 8s, 16s, потолок 30s; jitter ±20%
	bases := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, base := range bases {
		for i := 0; i < 50; i++ {
			delay := c.backoffDelay(attempt)
			min := time.Duration(float64(base) * 0.8)
			max := time.Duration(float64(base) * 1.2)
			if delay < min || delay > max {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, delay, min, max)
			}
		}
	}
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "accountSubscribe" {
			t.Errorf("method = %q, want accountSubscribe", req.Method)
		}
		conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 42})

		// Повторяем нотификацию пока соединение живо: тест не зависит от
		// гонки между записью id подписки и первой нотификацией
		for {
			err := conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "accountNotification",
				"params": map[string]interface{}{
					"subscription": 42,
					"result": map[string]interface{}{
						"context": map[string]interface{}{"slot": 5150},
						"value":   map[string]interface{}{"lamports": 1},
					},
				},
			})
			if err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	type update struct {
		pubkey string
		slot   uint64
	}
	notified := make(chan update, 1)
	client := NewClient(testConfig(srv), func(pubkey string, slot uint64, data jsoniter.RawMessage) {
		select {
		case notified <- update{pubkey: pubkey, slot: slot}:
		default:
		}
	})
	client.Start()
	defer client.Stop()

	waitConnected(t, client)
	if err := client.SubscribeAccount(context.Background(), "Pool111"); err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}

	select {
	case got := <-notified:
		if got.pubkey != "Pool111" {
			t.Errorf("notified pubkey = %q, want Pool111", got.pubkey)
		}
		if got.slot != 5150 {
			t.Errorf("notified slot = %d, want 5150", got.slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestCallTimesOut(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Читаем и молчим - ответа не будет
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.CallTimeout = 50 * time.Millisecond
	client := NewClient(cfg, nil)
	client.Start()
	defer client.Stop()

	waitConnected(t, client)

	res := client.Call(context.Background(), "getAccountInfo", []interface{}{"Pool111"})
	if res.Status != CallTimedOut {
		t.Errorf("status = %s, want timed out", res.Status)
	}
}

func TestCallReportsConnClosed(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Читаем один запрос и рвём соединение без ответа
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.CallTimeout = 2 * time.Second
	client := NewClient(cfg, nil)
	client.Start()
	defer client.Stop()

	waitConnected(t, client)

	res := client.Call(context.Background(), "getAccountInfo", []interface{}{"Pool111"})
	if res.Status != CallConnClosed {
		t.Errorf("status = %s, want connection closed", res.Status)
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	var upgrader websocket.Upgrader
	var connCount int32
	subRequests := make(chan int64, 4) // id подписки, выданный на каждый accountSubscribe

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := atomic.AddInt32(&connCount, 1)

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "accountSubscribe" {
			return
		}

		// Каждое соединение выдаёт свой id подписки
		subID := int64(100 * n)
		conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": subID})
		subRequests <- subID

		if n == 1 {
			// Первое соединение умирает сразу после оформления подписки
			return
		}

		for {
			err := conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "accountNotification",
				"params": map[string]interface{}{
					"subscription": subID,
					"result": map[string]interface{}{
						"context": map[string]interface{}{"slot": 5151},
						"value":   map[string]interface{}{"lamports": 2},
					},
				},
			})
			if err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	reconnectsBefore := testutil.ToFloat64(Reconnects)

	notified := make(chan string, 1)
	client := NewClient(testConfig(srv), func(pubkey string, slot uint64, data jsoniter.RawMessage) {
		select {
		case notified <- pubkey:
		default:
		}
	})
	client.Start()
	defer client.Stop()

	waitConnected(t, client)
	if err := client.SubscribeAccount(context.Background(), "Pool111"); err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}

	var first, second int64
	select {
	case first = <-subRequests:
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe on first connection")
	}
	select {
	case second = <-subRequests:
	case <-time.After(2 * time.Second):
		t.Fatal("no resubscribe after reconnect")
	}
	if first == second {
		t.Errorf("subscription id reused across connections: %d", first)
	}

	// Нотификации по новому id доходят до обработчика
	select {
	case pubkey := <-notified:
		if pubkey != "Pool111" {
			t.Errorf("notified pubkey = %q, want Pool111", pubkey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after reconnect")
	}

	if got := testutil.ToFloat64(Reconnects); got < reconnectsBefore+1 {
		t.Errorf("reconnects counter = %v, want at least %v", got, reconnectsBefore+1)
	}
}

func TestSlowHandlerDoesNotKillConnection(t *testing.T) {
	var upgrader websocket.Upgrader
	var connCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		atomic.AddInt32(&connCount, 1)

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": 42})

		// Параллельное чтение: ping'и клиента обрабатываются и pong'и
		// уходят, пока пишутся нотификации
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			err := conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "accountNotification",
				"params": map[string]interface{}{
					"subscription": 42,
					"result": map[string]interface{}{
						"context": map[string]interface{}{"slot": 5152},
						"value":   map[string]interface{}{"lamports": 3},
					},
				},
			})
			if err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	// Обработчик висит на "он-чейн действии" в несколько раз дольше
	// интервала heartbeat. Доставка нотификаций не должна останавливать
	// чтение pong'ов и ронять живое соединение.
	var handled int32
	cfg := testConfig(srv)
	cfg.Heartbeat = 100 * time.Millisecond
	client := NewClient(cfg, func(pubkey string, slot uint64, data jsoniter.RawMessage) {
		atomic.AddInt32(&handled, 1)
		time.Sleep(400 * time.Millisecond)
	})
	client.Start()
	defer client.Stop()

	waitConnected(t, client)
	if err := client.SubscribeAccount(context.Background(), "Pool111"); err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}

	// Несколько интервалов heartbeat при постоянно занятом обработчике
	time.Sleep(700 * time.Millisecond)

	if !client.IsConnected() {
		t.Errorf("connection dropped while handler was busy, state: %s", client.State())
	}
	if n := atomic.LoadInt32(&connCount); n != 1 {
		t.Errorf("dials = %d, want 1 (no reconnects)", n)
	}
	if atomic.LoadInt32(&handled) == 0 {
		t.Error("no notifications reached the handler")
	}
}

func TestUnsubscribeWhileDisconnected(t *testing.T) {
	// Клиент не запущен: снимается только намерение, без сетевых вызовов
	client := NewClient(Config{URL: "ws://unreachable"}, nil)

	if err := client.SubscribeAccount(context.Background(), "Pool111"); err != nil {
		t.Fatalf("SubscribeAccount: %v", err)
	}
	if err := client.UnsubscribeAccount(context.Background(), "Pool111"); err != nil {
		t.Fatalf("UnsubscribeAccount: %v", err)
	}

	client.subsMu.Lock()
	_, exists := client.intents["Pool111"]
	client.subsMu.Unlock()
	if exists {
		t.Error("intent survived unsubscribe")
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	client := NewClient(Config{URL: "ws://unreachable"}, nil)

	for i := 0; i < 3; i++ {
		if err := client.SubscribeAccount(context.Background(), "Pool111"); err != nil {
			t.Fatalf("SubscribeAccount: %v", err)
		}
	}

	client.subsMu.Lock()
	n := len(client.intents)
	client.subsMu.Unlock()
	if n != 1 {
		t.Errorf("intents = %d, want 1", n)
	}
}

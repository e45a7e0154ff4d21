package stream

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	jsoniter "github.com/json-iterator/go"
)

// State состояние подписочного соединения
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AccountHandler получает обновления состояния подписанного аккаунта.
// slot - слот, на котором наблюдалось состояние data.
type AccountHandler func(pubkey string, slot uint64, data jsoniter.RawMessage)

// Config конфигурация подписочного клиента
type Config struct {
	URL         string
	Commitment  string
	Heartbeat   time.Duration
	CallTimeout time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectJitterFrac   float64
}

// Client - подписочный WebSocket-клиент состояния аккаунтов.
//
// Назначение:
// Держит одно долгоживущее соединение, мультиплексирует подписки на
// аккаунты пулов и доставляет нотификации обработчику.
//
// Функции:
// - Подписка/отписка на аккаунты с переживанием разрывов: намерение
//   подписки хранится отдельно от server-side id и восстанавливается
//   после каждого переподключения (id при этом выдаётся новый)
// - Запрос/ответ поверх того же соединения с типизированным исходом:
//   ответ, таймаут и разрыв соединения - три разных случая CallResult
// - Liveness через ping/pong: пропущенный pong убивает соединение,
//   дальше работает обычный цикл переподключения
// - Exponential backoff с jitter между попытками подключения
type Client struct {
	cfg     Config
	handler AccountHandler

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	state int32 // atomic State

	nextID int64 // atomic

	pendingMu sync.Mutex
	pending   map[int64]chan CallResult

	// intents - что мы ХОТИМ слушать; subByID/idByPub - что сервер
	// реально оформил на текущем соединении
	subsMu  sync.Mutex
	intents map[string]struct{}
	subByID map[int64]string
	idByPub map[string]int64

	alive int32 // atomic: pong получен с момента последнего ping

	closeChan chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewClient создает подписочный клиент
func NewClient(cfg Config, handler AccountHandler) *Client {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = 1 * time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	return &Client{
		cfg:       cfg,
		handler:   handler,
		pending:   make(map[int64]chan CallResult),
		intents:   make(map[string]struct{}),
		subByID:   make(map[int64]string),
		idByPub:   make(map[string]int64),
		closeChan: make(chan struct{}),
	}
}

// State возвращает текущее состояние соединения
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// IsConnected проверяет, установлено ли соединение
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Start запускает цикл подключения. Повторные вызовы игнорируются.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Stop останавливает клиент и закрывает соединение
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.closeChan)
		atomic.StoreInt32(&c.state, int32(StateStopped))

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	})
}

// SubscribeAccount регистрирует намерение слушать аккаунт и, если
// соединение установлено, сразу оформляет подписку. В отключённом
// состоянии намерение оформится при следующем подключении.
func (c *Client) SubscribeAccount(ctx context.Context, pubkey string) error {
	c.subsMu.Lock()
	if _, exists := c.intents[pubkey]; exists {
		c.subsMu.Unlock()
		return nil
	}
	c.intents[pubkey] = struct{}{}
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(ctx, pubkey)
}

// UnsubscribeAccount снимает намерение подписки. Если соединение живо
// и подписка оформлена - отписывается и на сервере; в отключённом
// состоянии достаточно убрать намерение (server-side подписки умерли
// вместе с соединением).
func (c *Client) UnsubscribeAccount(ctx context.Context, pubkey string) error {
	c.subsMu.Lock()
	delete(c.intents, pubkey)
	subID, hasSub := c.idByPub[pubkey]
	if hasSub {
		delete(c.idByPub, pubkey)
		delete(c.subByID, subID)
	}
	c.subsMu.Unlock()

	if !hasSub || !c.IsConnected() {
		return nil
	}

	res := c.Call(ctx, "accountUnsubscribe", []interface{}{subID})
	if res.Status != CallOK {
		// Соединение умирает или умерло - подписка снимется сама
		log.Printf("[stream] accountUnsubscribe %s: %s", pubkey, res.Status)
		return nil
	}
	return res.Err
}

// Call выполняет запрос по стриму и ждёт ответ не дольше CallTimeout
func (c *Client) Call(ctx context.Context, method string, params []interface{}) CallResult {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan CallResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return CallResult{Status: CallConnClosed, Err: err}
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res
	case <-timer.C:
		return CallResult{Status: CallTimedOut}
	case <-ctx.Done():
		return CallResult{Status: CallConnClosed, Err: ctx.Err()}
	case <-c.closeChan:
		return CallResult{Status: CallConnClosed}
	}
}

// subscribe оформляет подписку на сервере и запоминает выданный id
func (c *Client) subscribe(ctx context.Context, pubkey string) error {
	res := c.Call(ctx, "accountSubscribe", []interface{}{
		pubkey,
		map[string]string{"encoding": "jsonParsed", "commitment": c.cfg.Commitment},
	})
	switch res.Status {
	case CallTimedOut:
		return fmt.Errorf("accountSubscribe %s: timed out", pubkey)
	case CallConnClosed:
		// Намерение сохранено - подписка оформится после переподключения
		return nil
	}
	if res.Err != nil {
		return fmt.Errorf("accountSubscribe %s: %w", pubkey, res.Err)
	}

	var subID int64
	if err := json.Unmarshal(res.Result, &subID); err != nil {
		return fmt.Errorf("accountSubscribe %s: decode subscription id: %w", pubkey, err)
	}

	c.subsMu.Lock()
	// Намерение могли снять пока оформлялась подписка
	if _, wanted := c.intents[pubkey]; wanted {
		c.subByID[subID] = pubkey
		c.idByPub[pubkey] = subID
	}
	c.subsMu.Unlock()
	return nil
}

// run - главный цикл: подключение, чтение, переподключение с backoff
func (c *Client) run() {
	consecutive := 0

	for {
		select {
		case <-c.closeChan:
			return
		default:
		}

		atomic.StoreInt32(&c.state, int32(StateConnecting))

		conn, err := c.dial()
		if err != nil {
			atomic.StoreInt32(&c.state, int32(StateDisconnected))
			delay := c.backoffDelay(consecutive)
			consecutive++
			log.Printf("[stream] connect failed: %v, retry in %v", err, delay)

			select {
			case <-c.closeChan:
				return
			case <-time.After(delay):
			}
			continue
		}

		consecutive = 0
		atomic.StoreInt32(&c.state, int32(StateConnected))
		log.Printf("[stream] connected to %s", c.cfg.URL)

		connDone := make(chan struct{})
		go c.heartbeat(conn, connDone)
		go c.resubscribeAll()

		readErr := c.readLoop(conn)
		close(connDone)
		c.teardown(conn)

		select {
		case <-c.closeChan:
			return
		default:
		}

		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		Reconnects.Inc()
		if readErr != nil {
			log.Printf("[stream] connection lost: %v", readErr)
		}
	}
}

// dial устанавливает соединение и настраивает pong-обработчик
func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	atomic.StoreInt32(&c.alive, 1)
	conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&c.alive, 1)
		return nil
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return conn, nil
}

// readLoop читает и маршрутизирует входящие сообщения до разрыва
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[stream] malformed message: %v", err)
			continue
		}
		c.dispatch(&msg)
	}
}

// dispatch доставляет сообщение: ответ - ожидающему вызову,
// нотификацию - обработчику аккаунта
func (c *Client) dispatch(msg *wsMessage) {
	if msg.ID != nil {
		res := CallResult{Status: CallOK, Result: msg.Result}
		if msg.Error != nil {
			res.Err = fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- res
		}
		return
	}

	if msg.Method == "accountNotification" && msg.Params != nil {
		c.subsMu.Lock()
		pubkey, known := c.subByID[msg.Params.Subscription]
		c.subsMu.Unlock()

		if !known {
			// Нотификация по уже снятой подписке - игнорируем
			return
		}
		if c.handler != nil {
			// Обработчик может висеть на он-чейн действии дольше
			// интервала heartbeat: доставка уходит в отдельную горутину,
			// чтобы цикл чтения продолжал принимать pong'и и кадры
			go c.handler(pubkey, msg.Params.Result.Context.Slot, msg.Params.Result.Value)
		}
	}
}

// heartbeat следит за живостью соединения через ping/pong.
// Нет pong между двумя ping'ами - соединение считается мёртвым.
func (c *Client) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.closeChan:
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&c.alive, 1, 0) {
				log.Printf("[stream] heartbeat missed, closing connection")
				conn.Close()
				return
			}
			deadline := time.Now().Add(c.cfg.Heartbeat)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("[stream] ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// resubscribeAll переоформляет все намерения подписки на свежем
// соединении. Старые server-side id к этому моменту мертвы.
func (c *Client) resubscribeAll() {
	c.subsMu.Lock()
	c.subByID = make(map[int64]string)
	c.idByPub = make(map[string]int64)
	pubkeys := make([]string, 0, len(c.intents))
	for pubkey := range c.intents {
		pubkeys = append(pubkeys, pubkey)
	}
	c.subsMu.Unlock()

	for _, pubkey := range pubkeys {
		if err := c.subscribe(context.Background(), pubkey); err != nil {
			log.Printf("[stream] resubscribe %s: %v", pubkey, err)
		}
	}
	if len(pubkeys) > 0 {
		log.Printf("[stream] resubscribed to %d accounts", len(pubkeys))
	}
}

// teardown закрывает соединение и обрывает ожидающие вызовы
func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- CallResult{Status: CallConnClosed}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// send отправляет запрос; конкурентные записи сериализуются
func (c *Client) send(req wsRequest) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected (state: %s)", c.State())
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(req)
}

// backoffDelay вычисляет задержку перед указанной по счёту попыткой:
// экспоненциальный рост от InitialDelay с потолком MaxDelay,
// ±JitterFrac случайного разброса
func (c *Client) backoffDelay(consecutive int) time.Duration {
	delay := float64(c.cfg.ReconnectInitialDelay) * math.Pow(2, float64(consecutive))
	if delay > float64(c.cfg.ReconnectMaxDelay) {
		delay = float64(c.cfg.ReconnectMaxDelay)
	}
	if c.cfg.ReconnectJitterFrac > 0 {
		delay += delay * c.cfg.ReconnectJitterFrac * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lpkeeper/internal/chain"
	"lpkeeper/internal/models"
	"lpkeeper/internal/service"
	"lpkeeper/pkg/crypto"
)

// 32-байтный secretbox-ключ для тестов
var testSecretKey = []byte("0123456789abcdef0123456789abcdef")

// ----- фейки коллабораторов -----

type fakeRepo struct {
	mu           sync.Mutex
	active       []*models.Position
	closed       []int
	closeErr     error
	created      []*models.Position
	nextID       int
	rebalanceTos [][2]int
}

func (r *fakeRepo) Create(p *models.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = 100 + r.nextID
	r.created = append(r.created, p)
	return nil
}

func (r *fakeRepo) GetByID(id int) (*models.Position, error) { return nil, nil }

func (r *fakeRepo) GetActiveByPool(poolID string) ([]*models.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, nil
}

func (r *fakeRepo) GetActive() ([]*models.Position, error)          { return r.active, nil }
func (r *fakeRepo) GetWithFeesEnabled() ([]*models.Position, error) { return nil, nil }

func (r *fakeRepo) Close(id int, closeSignature *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return r.closeErr
	}
	r.closed = append(r.closed, id)
	return nil
}

func (r *fakeRepo) SetRebalancedTo(id, newID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebalanceTos = append(r.rebalanceTos, [2]int{id, newID})
	return nil
}

func (r *fakeRepo) UpdateLastClaimedAt(id int) error { return nil }

type fakeActions struct {
	mu          sync.Mutex
	closeCalls  int
	closeErr    error
	closeFound  bool
	closeBlock  chan struct{}
	inRange     bool
	inRangeErr  error
	rangeCalls  int
	stdCalls    int
	simpleCalls int
}

func (a *fakeActions) ClosePosition(ctx context.Context, signer chain.Signer, poolID, positionPubkey string) (string, bool, error) {
	a.mu.Lock()
	a.closeCalls++
	block := a.closeBlock
	a.mu.Unlock()
	if block != nil {
		<-block
	}
	if a.closeErr != nil {
		return "", false, a.closeErr
	}
	return "close-sig", a.closeFound, nil
}

func (a *fakeActions) StandardRebalance(ctx context.Context, signer chain.Signer, poolID, positionPubkey, strategy string) (*service.RebalanceResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stdCalls++
	return &service.RebalanceResult{
		CloseSignature:    "close-sig",
		OpenSignature:     "open-sig",
		NewPositionPubkey: "NewPos111",
		NewPositionSecret: "raw-position-secret",
	}, nil
}

func (a *fakeActions) SimpleRebalance(ctx context.Context, signer chain.Signer, poolID, positionPubkey, strategy string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.simpleCalls++
	return "shift-sig", nil
}

func (a *fakeActions) ClaimFees(ctx context.Context, signer chain.Signer, poolID, positionPubkey, mode, reinvestStrategy string) (*service.ClaimResult, error) {
	return &service.ClaimResult{Signature: "claim-sig"}, nil
}

func (a *fakeActions) IsInRange(ctx context.Context, poolID, positionPubkey string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rangeCalls++
	return a.inRange, a.inRangeErr
}

func (a *fakeActions) counts() (closes, ranges, std, simple int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeCalls, a.rangeCalls, a.stdCalls, a.simpleCalls
}

type testSigner struct{}

func (testSigner) PublicKey() string             { return "Wallet111" }
func (testSigner) Sign(m []byte) ([]byte, error) { return m, nil }

type fakeSigners struct{}

func (fakeSigners) SignerForUser(ctx context.Context, userID int) (chain.Signer, error) {
	return testSigner{}, nil
}

type closedEvent struct {
	positionID int
	reason     string
}

type fakeNotifier struct {
	mu         sync.Mutex
	closes     []closedEvent
	rebalances []string // rebalance type
}

func (n *fakeNotifier) PositionClosed(userID, positionID int, reason string, price decimal.Decimal, txSignature string) {
	n.mu.Lock()
	n.closes = append(n.closes, closedEvent{positionID: positionID, reason: reason})
	n.mu.Unlock()
}

func (n *fakeNotifier) PositionRebalanced(userID, positionID int, rebalanceType string, price decimal.Decimal, txSignature string) {
	n.mu.Lock()
	n.rebalances = append(n.rebalances, rebalanceType)
	n.mu.Unlock()
}

type trackEvent struct {
	poolID     string
	positionID int
}

type fakeTracker struct {
	mu       sync.Mutex
	tracks   []trackEvent
	releases []trackEvent
}

func (t *fakeTracker) Track(ctx context.Context, poolID string, positionID int) error {
	t.mu.Lock()
	t.tracks = append(t.tracks, trackEvent{poolID, positionID})
	t.mu.Unlock()
	return nil
}

func (t *fakeTracker) Release(ctx context.Context, poolID string, positionID int) error {
	t.mu.Lock()
	t.releases = append(t.releases, trackEvent{poolID, positionID})
	t.mu.Unlock()
	return nil
}

// ----- обвязка -----

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func slTpPosition(id int, sl, tp string) *models.Position {
	cfg := &models.TakeProfitConfig{}
	if sl != "" {
		cfg.StopLossPrice = decPtr(sl)
	}
	if tp != "" {
		cfg.TakeProfitPrice = decPtr(tp)
	}
	return &models.Position{
		ID:           id,
		UserID:       7,
		PoolID:       "PoolA",
		IsActive:     true,
		SolAmount:    decimal.NewFromInt(10),
		StrategyType: models.StrategySpot,
		TakeProfit:   cfg,
		Onchain:      models.Onchain{PositionPubkey: "Pos111", PositionSecret: "sealed"},
	}
}

type harness struct {
	engine   *Engine
	repo     *fakeRepo
	actions  *fakeActions
	notifier *fakeNotifier
	tracker  *fakeTracker
	clock    *testClock
}

func newHarness(positions ...*models.Position) *harness {
	h := &harness{
		repo:     &fakeRepo{active: positions},
		actions:  &fakeActions{closeFound: true},
		notifier: &fakeNotifier{},
		tracker:  &fakeTracker{},
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.engine = New(time.Second, testSecretKey, h.repo, h.actions, fakeSigners{}, h.notifier, h.tracker)
	h.engine.now = h.clock.Now
	// Нулевое lastAction далеко в прошлом относительно часов теста,
	// cooldown на первом тике не мешает
	return h
}

func (h *harness) tick(p string) {
	h.engine.OnPoolPrice(context.Background(), "PoolA", price(p))
}

// ----- тесты -----

func TestStopLossFiresOnceWhilePriceStaysBelow(t *testing.T) {
	h := newHarness(slTpPosition(1, "90", ""))
	// Действие проваливается: позиция остаётся активной, а состояние
	// гистерезиса - живым
	h.actions.closeErr = errors.New("relay down")

	h.tick("89") // переход под порог - срабатывание
	h.clock.Advance(2 * time.Second)
	h.tick("88") // всё ещё ниже - не срабатывает
	h.clock.Advance(2 * time.Second)
	h.tick("85") // всё ещё ниже - не срабатывает

	closes, _, _, _ := h.actions.counts()
	if closes != 1 {
		t.Errorf("close attempts = %d, want 1 (edge-triggered)", closes)
	}
}

func TestStopLossRearmsAfterRecovery(t *testing.T) {
	h := newHarness(slTpPosition(1, "90", ""))
	h.actions.closeErr = errors.New("relay down")

	h.tick("89") // срабатывание #1
	h.clock.Advance(2 * time.Second)
	h.tick("95") // возврат над порог - триггер взводится заново
	h.clock.Advance(2 * time.Second)
	h.tick("89") // срабатывание #2

	closes, _, _, _ := h.actions.counts()
	if closes != 2 {
		t.Errorf("close attempts = %d, want 2 (re-armed after recovery)", closes)
	}
}

func TestCooldownSuppressesSecondTick(t *testing.T) {
	h := newHarness(slTpPosition(1, "90", ""))
	h.actions.closeErr = errors.New("relay down")

	h.tick("89")
	h.clock.Advance(200 * time.Millisecond)
	h.tick("95") // внутри cooldown - тик пропускается целиком
	h.clock.Advance(200 * time.Millisecond)
	h.tick("89") // всё ещё внутри cooldown

	closes, _, _, _ := h.actions.counts()
	if closes != 1 {
		t.Errorf("close attempts = %d, want 1 within cooldown", closes)
	}
}

func TestStopLossHasPriorityOverTakeProfit(t *testing.T) {
	// Вырожденная конфигурация: оба порога нарушены одной ценой
	h := newHarness(slTpPosition(1, "100", "50"))

	h.tick("75")

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(h.notifier.closes))
	}
	if h.notifier.closes[0].reason != models.CloseReasonStopLoss {
		t.Errorf("reason = %q, want stop loss first", h.notifier.closes[0].reason)
	}
}

func TestBusyFlagPreventsConcurrentAction(t *testing.T) {
	h := newHarness(slTpPosition(1, "90", ""))
	block := make(chan struct{})
	h.actions.closeBlock = block

	done := make(chan struct{})
	go func() {
		h.tick("89")
		close(done)
	}()

	// Ждём пока первый тик повиснет внутри действия
	deadline := time.Now().Add(time.Second)
	for {
		closes, _, _, _ := h.actions.counts()
		if closes == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first close never started")
		}
		time.Sleep(time.Millisecond)
	}

	h.clock.Advance(5 * time.Second)
	h.tick("85") // busy - пропуск, несмотря на истёкший cooldown

	close(block)
	<-done

	closes, _, _, _ := h.actions.counts()
	if closes != 1 {
		t.Errorf("close attempts = %d, want 1 while action in flight", closes)
	}
}

func TestSuccessfulCloseDropsStateAndReleasesPool(t *testing.T) {
	h := newHarness(slTpPosition(1, "90", ""))

	h.tick("89")

	h.repo.mu.Lock()
	closed := append([]int(nil), h.repo.closed...)
	h.repo.mu.Unlock()
	if len(closed) != 1 || closed[0] != 1 {
		t.Errorf("closed = %v, want [1]", closed)
	}

	if h.engine.TrackedPositions() != 0 {
		t.Error("ephemeral state survived successful close")
	}

	h.tracker.mu.Lock()
	releases := append([]trackEvent(nil), h.tracker.releases...)
	h.tracker.mu.Unlock()
	if len(releases) != 1 || releases[0] != (trackEvent{"PoolA", 1}) {
		t.Errorf("releases = %v, want [{PoolA 1}]", releases)
	}

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.closes) != 1 {
		t.Errorf("notifications = %d, want 1", len(h.notifier.closes))
	}
}

func TestCloseNotFoundIsSuccessWithoutNotification(t *testing.T) {
	h := newHarness(slTpPosition(1, "90", ""))
	h.actions.closeFound = false

	h.tick("89")

	// Позиции уже нет он-чейн: БД закрыта, состояние снято, но
	// уведомление пользователю не создаётся
	h.repo.mu.Lock()
	closed := len(h.repo.closed)
	h.repo.mu.Unlock()
	if closed != 1 {
		t.Errorf("repo closes = %d, want 1", closed)
	}
	if h.engine.TrackedPositions() != 0 {
		t.Error("ephemeral state survived")
	}
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.closes) != 0 {
		t.Errorf("notifications = %v, want none", h.notifier.closes)
	}
}

func rebalancePosition(id int, rebType string, stopMin, stopMax string) *models.Position {
	cfg := &models.RebalanceConfig{Strategy: models.StrategySpot, Type: rebType}
	if stopMin != "" {
		cfg.StopMinPrice = decPtr(stopMin)
	}
	if stopMax != "" {
		cfg.StopMaxPrice = decPtr(stopMax)
	}
	return &models.Position{
		ID:           id,
		UserID:       7,
		PoolID:       "PoolA",
		IsActive:     true,
		SolAmount:    decimal.NewFromInt(10),
		StrategyType: models.StrategySpot,
		Rebalance:    cfg,
		Onchain:      models.Onchain{PositionPubkey: "Pos111", PositionSecret: "sealed"},
	}
}

func TestStandardRebalanceReplacesPosition(t *testing.T) {
	h := newHarness(rebalancePosition(1, models.RebalanceStandard, "", ""))
	h.actions.inRange = false

	h.tick("120")

	_, ranges, std, _ := h.actions.counts()
	if ranges != 1 || std != 1 {
		t.Fatalf("range checks = %d, standard rebalances = %d, want 1/1", ranges, std)
	}

	h.repo.mu.Lock()
	created := append([]*models.Position(nil), h.repo.created...)
	closed := append([]int(nil), h.repo.closed...)
	links := append([][2]int(nil), h.repo.rebalanceTos...)
	h.repo.mu.Unlock()

	if len(closed) != 1 || closed[0] != 1 {
		t.Errorf("closed = %v, want [1]", closed)
	}
	if len(created) != 1 {
		t.Fatalf("created = %d positions, want 1", len(created))
	}
	newPos := created[0]
	if newPos.Onchain.PositionPubkey != "NewPos111" || newPos.Onchain.OpenSignature != "open-sig" {
		t.Errorf("new position onchain = %+v", newPos.Onchain)
	}
	// Секрет новой позиции записывается только в зашифрованном виде
	if newPos.Onchain.PositionSecret == "raw-position-secret" {
		t.Error("position secret stored unencrypted")
	}
	plain, err := crypto.Open(newPos.Onchain.PositionSecret, testSecretKey)
	if err != nil {
		t.Fatalf("decrypt stored secret: %v", err)
	}
	if string(plain) != "raw-position-secret" {
		t.Errorf("decrypted secret = %q, want raw-position-secret", plain)
	}
	if newPos.RebalancedFrom == nil || *newPos.RebalancedFrom != 1 {
		t.Errorf("RebalancedFrom = %v, want 1", newPos.RebalancedFrom)
	}
	if len(links) != 1 || links[0] != [2]int{1, newPos.ID} {
		t.Errorf("rebalanced_to links = %v", links)
	}

	h.tracker.mu.Lock()
	defer h.tracker.mu.Unlock()
	if len(h.tracker.tracks) != 1 || h.tracker.tracks[0] != (trackEvent{"PoolA", newPos.ID}) {
		t.Errorf("tracks = %v, want new position on PoolA", h.tracker.tracks)
	}
	if len(h.tracker.releases) != 1 || h.tracker.releases[0] != (trackEvent{"PoolA", 1}) {
		t.Errorf("releases = %v, want old position released", h.tracker.releases)
	}
}

func TestSimpleRebalanceKeepsPositionIdentity(t *testing.T) {
	h := newHarness(rebalancePosition(1, models.RebalanceSimple, "", ""))
	h.actions.inRange = false

	h.tick("120")

	_, _, std, simple := h.actions.counts()
	if simple != 1 || std != 0 {
		t.Fatalf("simple = %d, standard = %d, want 1/0", simple, std)
	}
	if h.engine.TrackedPositions() != 1 {
		t.Error("ephemeral state dropped for a position that still lives")
	}
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.rebalances) != 1 || h.notifier.rebalances[0] != models.RebalanceSimple {
		t.Errorf("rebalance notifications = %v", h.notifier.rebalances)
	}
}

func TestInRangePositionIsLeftAlone(t *testing.T) {
	h := newHarness(rebalancePosition(1, models.RebalanceStandard, "", ""))
	h.actions.inRange = true

	h.tick("120")

	_, ranges, std, simple := h.actions.counts()
	if ranges != 1 {
		t.Errorf("range checks = %d, want 1", ranges)
	}
	if std != 0 || simple != 0 {
		t.Errorf("rebalances fired for in-range position: std=%d simple=%d", std, simple)
	}

	// busy снят: следующий тик снова проверяет диапазон
	h.clock.Advance(2 * time.Second)
	h.tick("121")
	_, ranges, _, _ = h.actions.counts()
	if ranges != 2 {
		t.Errorf("range checks after second tick = %d, want 2", ranges)
	}
}

func TestRebalanceFrozenOutsideStopBand(t *testing.T) {
	h := newHarness(rebalancePosition(1, models.RebalanceStandard, "80", "150"))
	h.actions.inRange = false

	h.tick("75") // ниже StopMinPrice - ребалансировка заморожена
	h.clock.Advance(2 * time.Second)
	h.tick("160") // выше StopMaxPrice

	_, ranges, std, _ := h.actions.counts()
	if ranges != 0 || std != 0 {
		t.Errorf("range checks = %d, rebalances = %d, want 0/0 outside stop band", ranges, std)
	}

	// Возврат в коридор - ребалансировка оживает
	h.clock.Advance(2 * time.Second)
	h.tick("100")
	_, ranges, std, _ = h.actions.counts()
	if ranges != 1 || std != 1 {
		t.Errorf("range checks = %d, rebalances = %d after price returned", ranges, std)
	}
}

func TestRangeCheckFailureClearsBusyOnly(t *testing.T) {
	h := newHarness(rebalancePosition(1, models.RebalanceStandard, "", ""))
	h.actions.inRange = false
	h.actions.inRangeErr = errors.New("rpc down")

	h.tick("120")
	_, ranges, std, _ := h.actions.counts()
	if ranges != 1 || std != 0 {
		t.Fatalf("range checks = %d, rebalances = %d", ranges, std)
	}

	// Следующий тик повторяет попытку
	h.actions.inRangeErr = nil
	h.clock.Advance(2 * time.Second)
	h.tick("121")
	_, ranges, std, _ = h.actions.counts()
	if ranges != 2 || std != 1 {
		t.Errorf("range checks = %d, rebalances = %d after retry", ranges, std)
	}
}

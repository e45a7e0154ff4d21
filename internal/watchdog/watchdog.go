package watchdog

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lpkeeper/internal/service"
)

// PriceFeed - получатель переcчитанных цен (триггерный движок)
type PriceFeed interface {
	OnPoolPrice(ctx context.Context, poolID string, price decimal.Decimal)
}

// PriceSource вычисляет текущую цену пула
type PriceSource interface {
	PoolPrice(ctx context.Context, poolID string) (decimal.Decimal, error)
}

// Notifier создаёт уведомления о собранных комиссиях
type Notifier interface {
	FeesClaimed(userID, positionID int, mode, txSignature string)
}

// Config конфигурация ватчдога
type Config struct {
	PricePeriod time.Duration
	ClaimPeriod time.Duration
	JitterFrac  float64
	MinDelay    time.Duration
}

// Watchdog - две независимые поллинг-линии на one-shot таймерах.
//
// Ценовая линия - страховка от пропущенных нотификаций стрима: раз в
// период пересчитывает цену каждого пула с активными позициями и гонит
// её через тот же путь, что и push-событие. Линия клейма периодически
// собирает комиссии позиций, у которых истёк настроенный интервал.
//
// Каждая линия перепланирует себя сама после завершения тика (никогда
// фиксированный interval): тик не может наложиться сам на себя. Если
// таймер всё же сработал во время выполняющегося тика, новый тик
// откладывается, а не запускается параллельно. К каждой задержке
// применяется ±JitterFrac разброса, но не меньше MinDelay.
type Watchdog struct {
	cfg Config

	repo     service.PositionRepositoryInterface
	prices   PriceSource
	feed     PriceFeed
	actions  service.PositionActions
	signers  service.SignerProvider
	notifier Notifier

	priceLane *lane
	claimLane *lane

	mu      sync.Mutex
	started bool
	stopped bool

	// подменяется в тестах
	now func() time.Time
}

// lane - одна поллинг-линия
type lane struct {
	name   string
	period time.Duration

	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

// New создает ватчдог
func New(cfg Config, repo service.PositionRepositoryInterface, prices PriceSource, feed PriceFeed, actions service.PositionActions, signers service.SignerProvider, notifier Notifier) *Watchdog {
	if cfg.PricePeriod <= 0 {
		cfg.PricePeriod = 30 * time.Second
	}
	if cfg.ClaimPeriod <= 0 {
		cfg.ClaimPeriod = 60 * time.Second
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 5 * time.Second
	}
	return &Watchdog{
		cfg:       cfg,
		repo:      repo,
		prices:    prices,
		feed:      feed,
		actions:   actions,
		signers:   signers,
		notifier:  notifier,
		priceLane: &lane{name: "price", period: cfg.PricePeriod},
		claimLane: &lane{name: "claim", period: cfg.ClaimPeriod},
		now:       time.Now,
	}
}

// Start запускает обе линии. Повторный вызов игнорируется.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	log.Printf("[watchdog] started: price lane %v, claim lane %v", w.cfg.PricePeriod, w.cfg.ClaimPeriod)
	w.schedule(w.priceLane, w.priceTick)
	w.schedule(w.claimLane, w.claimTick)
}

// Stop останавливает обе линии: отменяет ожидающие таймеры, не дожидаясь
// завершения тика в полёте. Повторный вызов игнорируется.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	for _, l := range []*lane{w.priceLane, w.claimLane} {
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.mu.Unlock()
	}
	log.Printf("[watchdog] stopped")
}

// schedule взводит one-shot таймер линии на следующий тик
func (w *Watchdog) schedule(l *lane, tick func(context.Context)) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	delay := w.jittered(l.period)

	l.mu.Lock()
	l.timer = time.AfterFunc(delay, func() {
		w.fire(l, tick)
	})
	l.mu.Unlock()
}

// fire выполняет тик линии с защитой от наложения
func (w *Watchdog) fire(l *lane, tick func(context.Context)) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	l.mu.Lock()
	if l.running {
		// Предыдущий тик ещё выполняется - откладываем, не дублируем
		l.mu.Unlock()
		w.schedule(l, tick)
		return
	}
	l.running = true
	l.mu.Unlock()

	tick(context.Background())

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	w.schedule(l, tick)
}

// jittered применяет ±JitterFrac к задержке, с нижней границей MinDelay
func (w *Watchdog) jittered(d time.Duration) time.Duration {
	delay := float64(d)
	if w.cfg.JitterFrac > 0 {
		delay += delay * w.cfg.JitterFrac * (2*rand.Float64() - 1)
	}
	if delay < float64(w.cfg.MinDelay) {
		delay = float64(w.cfg.MinDelay)
	}
	return time.Duration(delay)
}

// priceTick пересчитывает цены всех пулов с активными позициями и
// скармливает их движку - тот же путь, что у push-нотификации
func (w *Watchdog) priceTick(ctx context.Context) {
	positions, err := w.repo.GetActive()
	if err != nil {
		log.Printf("[watchdog] list active positions: %v", err)
		return
	}

	pools := make(map[string]struct{})
	for _, pos := range positions {
		pools[pos.PoolID] = struct{}{}
	}

	for poolID := range pools {
		price, err := w.prices.PoolPrice(ctx, poolID)
		if err != nil {
			log.Printf("[watchdog] price for pool %s: %v", poolID, err)
			continue
		}
		w.feed.OnPoolPrice(ctx, poolID, price)
	}
}

// claimTick собирает комиссии позиций с истёкшим интервалом клейма.
// Сбой по одной позиции не прерывает обход остальных.
func (w *Watchdog) claimTick(ctx context.Context) {
	positions, err := w.repo.GetWithFeesEnabled()
	if err != nil {
		log.Printf("[watchdog] list fee-enabled positions: %v", err)
		return
	}

	now := w.now()
	for _, pos := range positions {
		if pos.Fees == nil {
			continue
		}
		if !pos.Fees.LastClaimedAt.IsZero() && now.Sub(pos.Fees.LastClaimedAt) < pos.Fees.Interval() {
			continue
		}

		signer, err := w.signers.SignerForUser(ctx, pos.UserID)
		if err != nil {
			log.Printf("[watchdog] signer for position %d: %v", pos.ID, err)
			continue
		}

		result, err := w.actions.ClaimFees(ctx, signer, pos.PoolID, pos.Onchain.PositionPubkey, pos.Fees.Mode, pos.Fees.ReinvestStrategy)
		if err != nil {
			log.Printf("[watchdog] claim fees position %d: %v", pos.ID, err)
			continue
		}

		if err := w.repo.UpdateLastClaimedAt(pos.ID); err != nil {
			log.Printf("[watchdog] update last claimed position %d: %v", pos.ID, err)
		}
		w.notifier.FeesClaimed(pos.UserID, pos.ID, pos.Fees.Mode, result.Signature)
		log.Printf("[watchdog] fees claimed for position %d (%s, %s/%s)", pos.ID, result.Signature, result.AmountX, result.AmountY)
	}
}

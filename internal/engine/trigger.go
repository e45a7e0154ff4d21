package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"lpkeeper/internal/chain"
	"lpkeeper/internal/models"
	"lpkeeper/internal/repository"
	"lpkeeper/internal/service"
	"lpkeeper/pkg/crypto"
)

// Tracker управляет подписками на пулы (см. internal/listener)
type Tracker interface {
	Track(ctx context.Context, poolID string, positionID int) error
	Release(ctx context.Context, poolID string, positionID int) error
}

// Notifier создаёт уведомления о событиях движка
type Notifier interface {
	PositionClosed(userID, positionID int, reason string, price decimal.Decimal, txSignature string)
	PositionRebalanced(userID, positionID int, rebalanceType string, price decimal.Decimal, txSignature string)
}

// Engine - триггерный движок: превращает ценовые тики в решения
// закрыть / ребалансировать / ничего не делать.
//
// Правила на позицию:
// - stop loss проверяется раньше take profit (защита от убытка важнее)
// - оба порога edge-triggered: срабатывание только на переходе через
//   порог, не на каждом тике пока условие держится; возврат на другую
//   сторону порога взводит триггер заново
// - busy-флаг не допускает второго действия пока первое в полёте;
//   cooldown гасит дребезг между срабатываниями
// - сбой действия снимает только busy-флаг и логируется; следующий тик
//   (push или от watchdog) повторяет попытку с нуля
type Engine struct {
	cooldown time.Duration

	// secretKey - 32-байтный secretbox-ключ для шифрования секретов
	// новых позиций перед записью в БД
	secretKey []byte

	repo     service.PositionRepositoryInterface
	actions  service.PositionActions
	signers  service.SignerProvider
	notifier Notifier
	tracker  Tracker

	states *stateTable

	// подменяется в тестах
	now func() time.Time
}

// New создает триггерный движок
func New(cooldown time.Duration, secretKey []byte, repo service.PositionRepositoryInterface, actions service.PositionActions, signers service.SignerProvider, notifier Notifier, tracker Tracker) *Engine {
	if cooldown <= 0 {
		cooldown = time.Second
	}
	return &Engine{
		cooldown:  cooldown,
		secretKey: secretKey,
		repo:      repo,
		actions:   actions,
		signers:   signers,
		notifier:  notifier,
		tracker:   tracker,
		states:    newStateTable(),
		now:       time.Now,
	}
}

// OnPoolPrice обрабатывает ценовой тик пула: каждая активная позиция
// на пуле оценивается независимо, порядок не гарантируется
func (e *Engine) OnPoolPrice(ctx context.Context, poolID string, price decimal.Decimal) {
	TicksProcessed.Inc()

	positions, err := e.repo.GetActiveByPool(poolID)
	if err != nil {
		log.Printf("[engine] list positions for pool %s: %v", poolID, err)
		return
	}

	for _, pos := range positions {
		e.evaluate(ctx, pos, price)
	}
}

// evaluate принимает решение по одной позиции на одном тике
func (e *Engine) evaluate(ctx context.Context, pos *models.Position, price decimal.Decimal) {
	e.states.mu.Lock()
	st := e.states.locked(pos.ID)

	now := e.now()
	if st.busy || now.Sub(st.lastAction) < e.cooldown {
		e.states.mu.Unlock()
		return
	}

	// Edge-детект порогов. Флаги стороны обновляются безусловно:
	// возврат цены за порог взводит триггер заново.
	slFired, tpFired := false, false
	if tp := pos.TakeProfit; tp != nil {
		if tp.StopLossPrice != nil {
			below := price.LessThanOrEqual(*tp.StopLossPrice)
			slFired = below && !st.wasBelowSL
			st.wasBelowSL = below
		}
		if tp.TakeProfitPrice != nil {
			above := price.GreaterThanOrEqual(*tp.TakeProfitPrice)
			tpFired = above && !st.wasAboveTP
			st.wasAboveTP = above
		}
	}
	st.lastPrice = price

	switch {
	case slFired:
		st.busy = true
		st.lastAction = now
		e.states.mu.Unlock()
		e.close(ctx, pos, models.CloseReasonStopLoss, price)

	case tpFired:
		st.busy = true
		st.lastAction = now
		e.states.mu.Unlock()
		e.close(ctx, pos, models.CloseReasonTakeProfit, price)

	case pos.Rebalance != nil && withinStopBand(pos.Rebalance, price):
		// Проверка диапазона - он-чейн вызов, поэтому busy ставится
		// до него: второй тик не должен запустить параллельную проверку
		st.busy = true
		e.states.mu.Unlock()
		e.maybeRebalance(ctx, pos, price)

	default:
		e.states.mu.Unlock()
	}
}

// withinStopBand проверяет, разрешена ли ребалансировка при данной цене.
// Выход цены за [StopMinPrice, StopMaxPrice] замораживает ребалансировку:
// позиция ждёт возврата цены, а не гоняется за ней
func withinStopBand(cfg *models.RebalanceConfig, price decimal.Decimal) bool {
	if cfg.StopMinPrice != nil && price.LessThan(*cfg.StopMinPrice) {
		return false
	}
	if cfg.StopMaxPrice != nil && price.GreaterThan(*cfg.StopMaxPrice) {
		return false
	}
	return true
}

// close закрывает позицию по сработавшему порогу
func (e *Engine) close(ctx context.Context, pos *models.Position, reason string, price decimal.Decimal) {
	err := func() error {
		signer, err := e.signers.SignerForUser(ctx, pos.UserID)
		if err != nil {
			return err
		}

		signature, found, err := e.actions.ClosePosition(ctx, signer, pos.PoolID, pos.Onchain.PositionPubkey)
		if err != nil {
			return err
		}

		var sigPtr *string
		if signature != "" {
			sigPtr = &signature
		}
		if err := e.repo.Close(pos.ID, sigPtr); err != nil && !errors.Is(err, repository.ErrPositionAlreadyClosed) {
			return err
		}

		if found {
			e.notifier.PositionClosed(pos.UserID, pos.ID, reason, price, signature)
		} else {
			// Позиции уже нет он-чейн: закрытие уже состоялось, это
			// терминальный успех без уведомления
			log.Printf("[engine] position %d already gone on-chain, close by %s satisfied", pos.ID, reason)
		}
		return nil
	}()

	if err != nil {
		log.Printf("[engine] close position %d (%s): %v", pos.ID, reason, err)
		e.states.clearBusy(pos.ID)
		TriggerFailures.Inc()
		return
	}

	// Успех: эфемерное состояние уничтожается, интерес к пулу снимается
	e.states.delete(pos.ID)
	if err := e.tracker.Release(ctx, pos.PoolID, pos.ID); err != nil {
		log.Printf("[engine] release pool %s after close: %v", pos.PoolID, err)
	}
	TriggersFired.WithLabelValues("close_" + reasonLabel(reason)).Inc()
	log.Printf("[engine] position %d closed by %s at %s", pos.ID, reason, price)
}

// maybeRebalance проверяет диапазон и при необходимости ребалансирует.
// busy уже установлен вызывающим.
func (e *Engine) maybeRebalance(ctx context.Context, pos *models.Position, price decimal.Decimal) {
	inRange, err := e.actions.IsInRange(ctx, pos.PoolID, pos.Onchain.PositionPubkey)
	if err != nil {
		log.Printf("[engine] range check position %d: %v", pos.ID, err)
		e.states.clearBusy(pos.ID)
		TriggerFailures.Inc()
		return
	}
	if inRange {
		e.states.clearBusy(pos.ID)
		return
	}

	e.states.markTriggered(pos.ID, e.now())

	signer, err := e.signers.SignerForUser(ctx, pos.UserID)
	if err != nil {
		log.Printf("[engine] signer for position %d: %v", pos.ID, err)
		e.states.clearBusy(pos.ID)
		TriggerFailures.Inc()
		return
	}

	switch pos.Rebalance.Type {
	case models.RebalanceSimple:
		e.simpleRebalance(ctx, signer, pos, price)
	default:
		e.standardRebalance(ctx, signer, pos, price)
	}
}

// simpleRebalance сдвигает ликвидность без свапа; идентичность позиции
// не меняется, эфемерное состояние живёт дальше
func (e *Engine) simpleRebalance(ctx context.Context, signer chain.Signer, pos *models.Position, price decimal.Decimal) {
	signature, err := e.actions.SimpleRebalance(ctx, signer, pos.PoolID, pos.Onchain.PositionPubkey, pos.Rebalance.Strategy)
	if err != nil {
		log.Printf("[engine] simple rebalance position %d: %v", pos.ID, err)
		e.states.clearBusy(pos.ID)
		TriggerFailures.Inc()
		return
	}

	e.notifier.PositionRebalanced(pos.UserID, pos.ID, models.RebalanceSimple, price, signature)
	e.states.clearBusy(pos.ID)
	TriggersFired.WithLabelValues("rebalance_simple").Inc()
	log.Printf("[engine] position %d rebalanced (simple) at %s", pos.ID, price)
}

// standardRebalance закрывает позицию и открывает новую в активном
// диапазоне; в БД старая помечается закрытой со ссылкой на новую.
// Секрет новой позиции приходит от исполнителя в сыром виде и
// шифруется до любых записей в БД.
func (e *Engine) standardRebalance(ctx context.Context, signer chain.Signer, pos *models.Position, price decimal.Decimal) {
	err := func() error {
		result, err := e.actions.StandardRebalance(ctx, signer, pos.PoolID, pos.Onchain.PositionPubkey, pos.Rebalance.Strategy)
		if err != nil {
			return err
		}

		sealedSecret, err := crypto.Seal([]byte(result.NewPositionSecret), e.secretKey)
		if err != nil {
			return fmt.Errorf("seal secret for new position: %w", err)
		}

		if err := e.repo.Close(pos.ID, &result.CloseSignature); err != nil && !errors.Is(err, repository.ErrPositionAlreadyClosed) {
			return err
		}

		newPos := &models.Position{
			UserID:       pos.UserID,
			PoolID:       pos.PoolID,
			Pair:         pos.Pair,
			IsActive:     true,
			SolAmount:    pos.SolAmount,
			StrategyType: pos.StrategyType,
			TakeProfit:   pos.TakeProfit,
			Rebalance:    pos.Rebalance,
			Fees:         pos.Fees,
			Onchain: models.Onchain{
				PositionPubkey: result.NewPositionPubkey,
				PositionSecret: sealedSecret,
				OpenSignature:  result.OpenSignature,
			},
			RebalancedFrom: &pos.ID,
		}
		if err := e.repo.Create(newPos); err != nil {
			return err
		}
		if err := e.repo.SetRebalancedTo(pos.ID, newPos.ID); err != nil {
			log.Printf("[engine] link rebalanced position %d -> %d: %v", pos.ID, newPos.ID, err)
		}

		if err := e.tracker.Track(ctx, pos.PoolID, newPos.ID); err != nil {
			log.Printf("[engine] track pool %s for position %d: %v", pos.PoolID, newPos.ID, err)
		}

		e.notifier.PositionRebalanced(pos.UserID, newPos.ID, models.RebalanceStandard, price, result.OpenSignature)
		return nil
	}()

	if err != nil {
		log.Printf("[engine] standard rebalance position %d: %v", pos.ID, err)
		e.states.clearBusy(pos.ID)
		TriggerFailures.Inc()
		return
	}

	// Старая позиция закончилась; новая заведёт своё состояние на
	// первом тике
	e.states.delete(pos.ID)
	if err := e.tracker.Release(ctx, pos.PoolID, pos.ID); err != nil {
		log.Printf("[engine] release pool %s after rebalance: %v", pos.PoolID, err)
	}
	TriggersFired.WithLabelValues("rebalance_standard").Inc()
	log.Printf("[engine] position %d rebalanced (standard) at %s", pos.ID, price)
}

// reasonLabel переводит причину закрытия в метку метрики
func reasonLabel(reason string) string {
	if reason == models.CloseReasonStopLoss {
		return "stop_loss"
	}
	return "take_profit"
}

// TrackedPositions возвращает число позиций с живым эфемерным состоянием
func (e *Engine) TrackedPositions() int {
	return e.states.size()
}

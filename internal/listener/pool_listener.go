package listener

import (
	"context"
	"log"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

// Subscriber - подписочный транспорт (см. internal/stream)
type Subscriber interface {
	Start()
	SubscribeAccount(ctx context.Context, pubkey string) error
	UnsubscribeAccount(ctx context.Context, pubkey string) error
}

// PriceSource переводит состояние аккаунта пула в цену
type PriceSource interface {
	PoolPrice(ctx context.Context, poolID string) (decimal.Decimal, error)
}

// PriceHandler получает свежие цены отслеживаемых пулов
type PriceHandler interface {
	OnPoolPrice(ctx context.Context, poolID string, price decimal.Decimal)
}

// PoolListener ведёт учёт того, какие позиции слушают какие пулы.
//
// Подписка на аккаунт пула - ресурс со счётчиком ссылок: пул
// подписывается когда появляется первая заинтересованная позиция и
// отписывается когда уходит последняя. Несколько позиций на одном пуле
// делят одну подписку; закрытие одной из них подписку не трогает.
type PoolListener struct {
	sub    Subscriber
	prices PriceSource

	mu      sync.Mutex
	members map[string]map[int]struct{} // poolID -> позиции, слушающие пул
	handler PriceHandler
}

// New создает listener. Обработчик цен подключается через SetHandler
// после сборки графа зависимостей.
func New(sub Subscriber, prices PriceSource) *PoolListener {
	return &PoolListener{
		sub:     sub,
		prices:  prices,
		members: make(map[string]map[int]struct{}),
	}
}

// SetHandler устанавливает получателя ценовых обновлений
func (l *PoolListener) SetHandler(h PriceHandler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Track регистрирует интерес позиции к пулу. Первая позиция на пуле
// оформляет подписку; повторный Track той же позиции - no-op.
func (l *PoolListener) Track(ctx context.Context, poolID string, positionID int) error {
	l.mu.Lock()
	positions, exists := l.members[poolID]
	if !exists {
		positions = make(map[int]struct{})
		l.members[poolID] = positions
	}
	if _, tracked := positions[positionID]; tracked {
		l.mu.Unlock()
		return nil
	}
	positions[positionID] = struct{}{}
	first := len(positions) == 1
	l.mu.Unlock()

	if !first {
		return nil
	}

	l.sub.Start()
	if err := l.sub.SubscribeAccount(ctx, poolID); err != nil {
		// Интерес сохранён: watchdog продолжит опрашивать цену, а
		// подписка доедет при следующем переподключении
		log.Printf("[listener] subscribe pool %s: %v", poolID, err)
		return err
	}
	log.Printf("[listener] tracking pool %s", poolID)
	return nil
}

// Release снимает интерес позиции. Подписка на пул снимается только
// когда уходит последняя позиция.
func (l *PoolListener) Release(ctx context.Context, poolID string, positionID int) error {
	l.mu.Lock()
	positions, exists := l.members[poolID]
	if !exists {
		l.mu.Unlock()
		return nil
	}
	delete(positions, positionID)
	last := len(positions) == 0
	if last {
		delete(l.members, poolID)
	}
	l.mu.Unlock()

	if !last {
		return nil
	}

	log.Printf("[listener] releasing pool %s", poolID)
	return l.sub.UnsubscribeAccount(ctx, poolID)
}

// Tracked сообщает, слушается ли пул хоть одной позицией
func (l *PoolListener) Tracked(poolID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.members[poolID]
	return exists
}

// OnAccountUpdate - callback подписочного клиента: аккаунт пула
// изменился на слоте slot. Сырое состояние переводится в цену и уходит
// обработчику; слот и полезная нагрузка самого уведомления здесь не
// нужны - цена пересчитывается через PriceSource.
func (l *PoolListener) OnAccountUpdate(pubkey string, slot uint64, data jsoniter.RawMessage) {
	l.mu.Lock()
	_, tracked := l.members[pubkey]
	handler := l.handler
	l.mu.Unlock()

	if !tracked || handler == nil {
		return
	}

	ctx := context.Background()
	price, err := l.prices.PoolPrice(ctx, pubkey)
	if err != nil {
		log.Printf("[listener] price for pool %s: %v", pubkey, err)
		return
	}
	handler.OnPoolPrice(ctx, pubkey, price)
}

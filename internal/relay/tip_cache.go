package relay

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
)

// ErrNoTipAccounts - список tip-аккаунтов недоступен и кэш пуст
var ErrNoTipAccounts = errors.New("no relay tip accounts available")

// tipCache - кэш tip-аккаунтов ретранслятора.
// Список обновляется когда кэш пуст или каждую refreshEvery-ю отправку
// (счётчик отправок, не таймер). Выбор аккаунта - равномерно случайный.
type tipCache struct {
	mu           sync.Mutex
	accounts     []string
	sends        uint64
	refreshEvery uint64
	fetch        func(ctx context.Context) ([]string, error)
}

func newTipCache(refreshEvery uint64, fetch func(ctx context.Context) ([]string, error)) *tipCache {
	if refreshEvery == 0 {
		refreshEvery = 50
	}
	return &tipCache{refreshEvery: refreshEvery, fetch: fetch}
}

// pick возвращает случайный tip-аккаунт, при необходимости обновив кэш.
// Сбой обновления при непустом кэше не фатален: работаем со старым списком.
func (c *tipCache) pick(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.accounts) == 0 || c.sends%c.refreshEvery == 0 {
		accounts, err := c.fetch(ctx)
		if err != nil {
			if len(c.accounts) == 0 {
				return "", err
			}
			log.Printf("[relay] tip accounts refresh failed, keeping cached list: %v", err)
		} else if len(accounts) > 0 {
			c.accounts = accounts
		}
	}
	c.sends++

	if len(c.accounts) == 0 {
		return "", ErrNoTipAccounts
	}
	return c.accounts[rand.Intn(len(c.accounts))], nil
}

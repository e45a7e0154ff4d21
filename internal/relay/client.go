package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"lpkeeper/internal/chain"
	"lpkeeper/pkg/retry"
)

const (
	pathTransactions = "/api/v1/transactions"
	pathBundles      = "/api/v1/bundles"
	pathTipAccounts  = "/api/v1/getTipAccounts"

	maxBundleSize = 5
)

// Ошибки бизнес-правил отправки (fail fast, без сетевых попыток)
var (
	ErrBundleSize = errors.New("bundle must contain between 1 and 5 transactions")
	// ErrBundleNoTipRoom - 5 versioned-транзакций: некуда дописать чаевые
	// без выбрасывания транзакции
	ErrBundleNoTipRoom = errors.New("bundle has 5 versioned transactions and no legacy tx to carry a tip")
	// ErrConfirmationTimeout - подтверждение не достигло нужной глубины
	// в отведённое время
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
)

// Config - настройки submission-клиента
type Config struct {
	BaseURLs        []string
	TipLamports     uint64
	TipRefreshEvery uint64

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64

	ConfirmDepth        int
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
}

// Client - отправка транзакций и бандлов через ретранслятор.
//
// Каждая отправка несёт чаевые tip-аккаунту ретранслятора. Перед любой
// сетевой отправкой транзакция прогоняется через симуляцию: ошибка
// симуляции обрывает вызов до того, как средства окажутся под риском.
// Rate limit (HTTP 429 / код -32097 / "rate" в тексте) приводит к ротации
// endpoint'а и повтору с backoff'ом; любая другая ошибка - немедленный
// отказ без ротации.
type Client struct {
	cfg     Config
	rotator *Rotator
	tips    *tipCache
	http    *http.Client
	rpc     chain.RPC
	factory chain.TxFactory
	nextID  int64
}

// New создает submission-клиент
func New(cfg Config, rpc chain.RPC, factory chain.TxFactory) (*Client, error) {
	rotator, err := NewRotator(cfg.BaseURLs)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 300 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 8 * time.Second
	}
	if cfg.ConfirmDepth <= 0 {
		cfg.ConfirmDepth = 10
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 500 * time.Millisecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		rotator: rotator,
		rpc:     rpc,
		factory: factory,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	c.tips = newTipCache(cfg.TipRefreshEvery, c.fetchTipAccounts)
	return c, nil
}

// SubmitTransaction отправляет одиночную транзакцию с чаевыми и ждёт
// подтверждения до сконфигурированной глубины.
//
// Порядок: дописать tip-инструкцию → подписать всеми подписантами →
// симулировать → отправить → опрашивать статус. Ожидание подтверждения
// ограничено ConfirmTimeout.
func (c *Client) SubmitTransaction(ctx context.Context, signer chain.Signer, tx chain.Transaction, extraSigners []chain.Signer, tipLamports uint64) (string, error) {
	if tipLamports == 0 {
		tipLamports = c.cfg.TipLamports
	}

	tipAccount, err := c.tips.pick(ctx)
	if err != nil {
		return "", err
	}
	if err := tx.AppendTransfer(signer.PublicKey(), tipAccount, tipLamports); err != nil {
		return "", fmt.Errorf("append tip instruction: %w", err)
	}

	signers := append([]chain.Signer{signer}, extraSigners...)
	if err := tx.Sign(signers...); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.rpc.Simulate(ctx, tx); err != nil {
		return "", fmt.Errorf("simulation failed: %w", err)
	}

	raw, err := tx.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}

	result, err := c.call(ctx, pathTransactions, "sendTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(raw),
		map[string]string{"encoding": "base64"},
	})
	if err != nil {
		return "", err
	}

	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("decode sendTransaction result: %w", err)
	}

	if err := c.waitConfirmation(ctx, signature); err != nil {
		return signature, err
	}
	return signature, nil
}

// SubmitBundle отправляет атомарный бандл из 1..5 транзакций.
//
// Размещение чаевых:
// - если в бандле есть свободный слот, впереди добавляется standalone
//   tip-транзакция;
// - если слотов нет, tip-инструкция дописывается в первую legacy-транзакцию;
// - 5 versioned-транзакций без единой legacy - отказ без сетевой попытки.
func (c *Client) SubmitBundle(ctx context.Context, signer chain.Signer, txs []chain.Transaction, tipLamports uint64) (string, error) {
	if len(txs) == 0 || len(txs) > maxBundleSize {
		return "", fmt.Errorf("%w: got %d", ErrBundleSize, len(txs))
	}
	if tipLamports == 0 {
		tipLamports = c.cfg.TipLamports
	}

	tipAccount, err := c.tips.pick(ctx)
	if err != nil {
		return "", err
	}

	bundle := txs
	if len(txs) < maxBundleSize {
		tipTx, err := c.factory.NewTransfer(ctx, signer, tipAccount, tipLamports)
		if err != nil {
			return "", fmt.Errorf("build tip transaction: %w", err)
		}
		bundle = append([]chain.Transaction{tipTx}, txs...)
	} else {
		injected := false
		for _, tx := range txs {
			if tx.Versioned() {
				continue
			}
			if err := tx.AppendTransfer(signer.PublicKey(), tipAccount, tipLamports); err != nil {
				return "", fmt.Errorf("inject tip instruction: %w", err)
			}
			injected = true
			break
		}
		if !injected {
			return "", ErrBundleNoTipRoom
		}
	}

	// Подписать и просимулировать весь бандл до какой-либо отправки
	for i, tx := range bundle {
		if err := tx.Sign(signer); err != nil {
			return "", fmt.Errorf("sign bundle tx %d: %w", i, err)
		}
		if err := c.rpc.Simulate(ctx, tx); err != nil {
			return "", fmt.Errorf("simulate bundle tx %d: %w", i, err)
		}
	}

	encoded := make([]string, 0, len(bundle))
	for i, tx := range bundle {
		raw, err := tx.Serialize()
		if err != nil {
			return "", fmt.Errorf("serialize bundle tx %d: %w", i, err)
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(raw))
	}

	result, err := c.call(ctx, pathBundles, "sendBundle", []interface{}{
		encoded,
		map[string]string{"encoding": "base64"},
	})
	if err != nil {
		return "", err
	}

	var bundleID string
	if err := json.Unmarshal(result, &bundleID); err != nil {
		return "", fmt.Errorf("decode sendBundle result: %w", err)
	}
	return bundleID, nil
}

// fetchTipAccounts запрашивает актуальный список tip-аккаунтов
func (c *Client) fetchTipAccounts(ctx context.Context) ([]string, error) {
	result, err := c.call(ctx, pathTipAccounts, "getTipAccounts", []interface{}{})
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(result, &accounts); err != nil {
		return nil, fmt.Errorf("decode getTipAccounts result: %w", err)
	}
	return accounts, nil
}

// call выполняет JSON-RPC вызов с retry-политикой:
// до MaxAttempts попыток, ротация endpoint'а только на rate limit
func (c *Client) call(ctx context.Context, path, method string, params []interface{}) (jsoniter.RawMessage, error) {
	cfg := retry.Config{
		MaxRetries:   c.cfg.MaxAttempts,
		InitialDelay: c.cfg.RetryBaseDelay,
		MaxDelay:     c.cfg.RetryMaxDelay,
		Multiplier:   2.0,
		JitterFactor: c.cfg.RetryJitter,
		RetryIf:      IsRateLimited,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			old := c.rotator.Current()
			next := c.rotator.Advance()
			EndpointRotations.Inc()
			log.Printf("[relay] rate limited (attempt %d) - rotating endpoint %s -> %s, retry in %v", attempt, old, next, delay)
		},
	}

	return retry.DoWithResult(ctx, func() (jsoniter.RawMessage, error) {
		return c.doRPC(ctx, path, method, params)
	}, cfg)
}

// doRPC - одна HTTP-попытка к текущему endpoint'у
func (c *Client) doRPC(ctx context.Context, path, method string, params []interface{}) (jsoniter.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	endpoint := c.rotator.Current()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	RPCAttempts.WithLabelValues(method).Inc()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay %s: read response: %w", method, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Endpoint: endpoint, Status: resp.StatusCode, Message: string(data)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay %s: status %d: %s", method, resp.StatusCode, data)
	}

	var res rpcResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("relay %s: decode response: %w", method, err)
	}
	if res.Error != nil {
		if isRateLimitRPCError(res.Error) {
			return nil, &RateLimitError{Endpoint: endpoint, Status: resp.StatusCode, Message: res.Error.Message}
		}
		return nil, fmt.Errorf("relay %s: %w", method, res.Error)
	}
	return res.Result, nil
}

// waitConfirmation опрашивает статус подписи до требуемой глубины
// подтверждения. Опрос жёстко ограничен ConfirmTimeout: бесконечное
// ожидание здесь недопустимо.
func (c *Client) waitConfirmation(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, signature)
		case <-ticker.C:
			status, err := c.rpc.SignatureStatus(ctx, signature)
			if err != nil {
				// transient: следующий тик попробует снова
				continue
			}
			if status.Err != "" {
				return fmt.Errorf("transaction %s failed on-chain: %s", signature, status.Err)
			}
			if c.confirmedDeep(status) {
				ConfirmLatency.Observe(time.Since(start).Seconds())
				return nil
			}
		}
	}
}

// confirmedDeep проверяет, что подпись достигла нужной глубины
func (c *Client) confirmedDeep(s chain.SignatureStatus) bool {
	if s.Rooted() {
		return true
	}
	if s.ConfirmationStatus != "confirmed" {
		return false
	}
	return s.Confirmations != nil && *s.Confirmations > c.cfg.ConfirmDepth
}

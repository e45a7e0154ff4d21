package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Типы стратегий распределения ликвидности по бинам
const (
	StrategySpot   = "spot"
	StrategyCurve  = "curve"
	StrategyBidAsk = "bid_ask"
)

// Типы ребалансировки
const (
	// RebalanceStandard - закрыть позицию, свапнуть ликвидность 50/50 и открыть новую
	RebalanceStandard = "standard"
	// RebalanceSimple - сдвинуть ликвидность к активному бину без свапа
	RebalanceSimple = "simple"
)

// Режимы клейма комиссий
const (
	ClaimModeSimple    = "simple"
	ClaimModeSellToSOL = "sell_into_sol"
	ClaimModeReinvest  = "reinvest"
)

// Причины закрытия позиции
const (
	CloseReasonStopLoss   = "stop loss"
	CloseReasonTakeProfit = "take profit"
)

// TakeProfitConfig - пороги авто-закрытия позиции.
// Оба поля опциональны: позиция может иметь только SL, только TP или ничего.
type TakeProfitConfig struct {
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
}

// RebalanceConfig - политика ребалансировки при выходе цены из диапазона.
// StopMinPrice/StopMaxPrice ограничивают ценовой коридор, внутри которого
// ребалансировка разрешена: за его пределами позиция оставляется как есть.
type RebalanceConfig struct {
	Strategy     string           `json:"strategy"`
	Type         string           `json:"type"`
	StopMinPrice *decimal.Decimal `json:"stop_min_price,omitempty"`
	StopMaxPrice *decimal.Decimal `json:"stop_max_price,omitempty"`
}

// FeesConfig - политика периодического клейма комиссий
type FeesConfig struct {
	IntervalMinutes  int       `json:"interval_minutes"`
	Mode             string    `json:"mode"`
	ReinvestStrategy string    `json:"reinvest_strategy,omitempty"` // обязателен только для mode=reinvest
	LastClaimedAt    time.Time `json:"last_claimed_at"`
}

// Interval возвращает интервал клейма как Duration
func (f *FeesConfig) Interval() time.Duration {
	return time.Duration(f.IntervalMinutes) * time.Minute
}

// Onchain - он-чейн привязка позиции.
// PositionSecret хранится зашифрованным (secretbox, base64), расшифровка
// происходит только в момент подписания транзакции.
type Onchain struct {
	PositionPubkey string  `json:"position_pubkey"`
	PositionSecret string  `json:"-"`
	OpenSignature  string  `json:"open_signature"`
	CloseSignature *string `json:"close_signature,omitempty"`
}

// Position - позиция ликвидности в DLMM-пуле.
//
// Инварианты жизненного цикла:
// - IsActive переходит true → false ровно один раз (закрытие) и не откатывается
// - standard-ребалансировка создаёт НОВУЮ запись позиции со ссылкой на старую
//   (RebalancedFrom/RebalancedTo), идентичность старой записи не мутируется
type Position struct {
	ID           int             `json:"id" db:"id"`
	UserID       int             `json:"user_id" db:"user_id"`
	PoolID       string          `json:"pool_id" db:"pool_id"`
	Pair         *string         `json:"pair,omitempty" db:"pair"`
	IsActive     bool            `json:"is_active" db:"is_active"`
	SolAmount    decimal.Decimal `json:"sol_amount" db:"sol_amount"`
	StrategyType string          `json:"strategy_type" db:"strategy_type"`

	TakeProfit *TakeProfitConfig `json:"take_profit_config,omitempty"`
	Rebalance  *RebalanceConfig  `json:"rebalance_config,omitempty"`
	Fees       *FeesConfig       `json:"fees_config,omitempty"`

	Onchain Onchain `json:"onchain"`

	RebalancedFrom *int `json:"rebalanced_from,omitempty" db:"rebalanced_from"`
	RebalancedTo   *int `json:"rebalanced_to,omitempty" db:"rebalanced_to"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

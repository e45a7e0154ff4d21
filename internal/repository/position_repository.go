package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"lpkeeper/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionAlreadyClosed - попытка закрыть неактивную позицию.
	// Позиция переходит active → inactive ровно один раз.
	ErrPositionAlreadyClosed = errors.New("position already closed")
)

// positionColumns - единый список колонок для SELECT'ов
const positionColumns = `
	id, user_id, pool_id, pair, is_active, sol_amount, strategy_type,
	take_profit_price, stop_loss_price,
	rebalance_strategy, rebalance_type, rebalance_min_price, rebalance_max_price,
	fees_interval_minutes, fees_mode, fees_reinvest_strategy, fees_last_claimed_at,
	position_pubkey, position_secret, open_signature, close_signature,
	rebalanced_from, rebalanced_to, created_at, updated_at`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create создает запись о позиции
func (r *PositionRepository) Create(p *models.Position) error {
	query := `
		INSERT INTO positions (
			user_id, pool_id, pair, is_active, sol_amount, strategy_type,
			take_profit_price, stop_loss_price,
			rebalance_strategy, rebalance_type, rebalance_min_price, rebalance_max_price,
			fees_interval_minutes, fees_mode, fees_reinvest_strategy, fees_last_claimed_at,
			position_pubkey, position_secret, open_signature,
			rebalanced_from, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id`

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	var (
		tpPrice, slPrice       decimal.NullDecimal
		rebStrategy, rebType   sql.NullString
		rebMin, rebMax         decimal.NullDecimal
		feesInterval           sql.NullInt64
		feesMode, feesReinvest sql.NullString
		feesLastClaimed        sql.NullTime
	)
	if p.TakeProfit != nil {
		tpPrice = toNullDecimal(p.TakeProfit.TakeProfitPrice)
		slPrice = toNullDecimal(p.TakeProfit.StopLossPrice)
	}
	if p.Rebalance != nil {
		rebStrategy = sql.NullString{String: p.Rebalance.Strategy, Valid: true}
		rebType = sql.NullString{String: p.Rebalance.Type, Valid: true}
		rebMin = toNullDecimal(p.Rebalance.StopMinPrice)
		rebMax = toNullDecimal(p.Rebalance.StopMaxPrice)
	}
	if p.Fees != nil {
		feesInterval = sql.NullInt64{Int64: int64(p.Fees.IntervalMinutes), Valid: true}
		feesMode = sql.NullString{String: p.Fees.Mode, Valid: true}
		if p.Fees.ReinvestStrategy != "" {
			feesReinvest = sql.NullString{String: p.Fees.ReinvestStrategy, Valid: true}
		}
		last := p.Fees.LastClaimedAt
		if last.IsZero() {
			last = now
		}
		feesLastClaimed = sql.NullTime{Time: last, Valid: true}
	}

	err := r.db.QueryRow(
		query,
		p.UserID,
		p.PoolID,
		p.Pair,
		p.IsActive,
		p.SolAmount,
		p.StrategyType,
		tpPrice,
		slPrice,
		rebStrategy,
		rebType,
		rebMin,
		rebMax,
		feesInterval,
		feesMode,
		feesReinvest,
		feesLastClaimed,
		p.Onchain.PositionPubkey,
		p.Onchain.PositionSecret,
		p.Onchain.OpenSignature,
		p.RebalancedFrom,
		p.CreatedAt,
		p.UpdatedAt,
	).Scan(&p.ID)

	return err
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(id int) (*models.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE id = $1`

	p, err := scanPosition(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetActiveByPool возвращает все активные позиции на пуле
func (r *PositionRepository) GetActiveByPool(poolID string) ([]*models.Position, error) {
	query := `SELECT` + positionColumns + `
		FROM positions
		WHERE pool_id = $1 AND is_active = TRUE
		ORDER BY id`

	rows, err := r.db.Query(query, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// GetActive возвращает все активные позиции
func (r *PositionRepository) GetActive() ([]*models.Position, error) {
	query := `SELECT` + positionColumns + `
		FROM positions
		WHERE is_active = TRUE
		ORDER BY id`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// GetWithFeesEnabled возвращает активные позиции с политикой клейма комиссий
func (r *PositionRepository) GetWithFeesEnabled() ([]*models.Position, error) {
	query := `SELECT` + positionColumns + `
		FROM positions
		WHERE is_active = TRUE AND fees_mode IS NOT NULL AND fees_interval_minutes > 0
		ORDER BY id`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// Close помечает позицию закрытой и сохраняет подпись транзакции закрытия.
// Срабатывает только для активной позиции: повторное закрытие возвращает
// ErrPositionAlreadyClosed.
func (r *PositionRepository) Close(id int, closeSignature *string) error {
	query := `
		UPDATE positions
		SET is_active = FALSE, close_signature = $2, updated_at = $3
		WHERE id = $1 AND is_active = TRUE`

	res, err := r.db.Exec(query, id, closeSignature, time.Now())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPositionAlreadyClosed
	}
	return nil
}

// SetRebalancedTo связывает закрытую позицию с её преемником
func (r *PositionRepository) SetRebalancedTo(id, newID int) error {
	query := `
		UPDATE positions
		SET rebalanced_to = $2, updated_at = $3
		WHERE id = $1 AND is_active = FALSE`

	res, err := r.db.Exec(query, id, newID, time.Now())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// UpdateLastClaimedAt сдвигает отметку последнего клейма комиссий на сейчас
func (r *PositionRepository) UpdateLastClaimedAt(id int) error {
	query := `
		UPDATE positions
		SET fees_last_claimed_at = $2, updated_at = $2
		WHERE id = $1 AND is_active = TRUE`

	res, err := r.db.Exec(query, id, time.Now())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// ============ Scan helpers ============

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition собирает модель из плоской строки; опциональные конфиги
// создаются только если их ключевые колонки не NULL
func scanPosition(row rowScanner) (*models.Position, error) {
	var (
		p                      models.Position
		tpPrice, slPrice       decimal.NullDecimal
		rebStrategy, rebType   sql.NullString
		rebMin, rebMax         decimal.NullDecimal
		feesInterval           sql.NullInt64
		feesMode, feesReinvest sql.NullString
		feesLastClaimed        sql.NullTime
	)

	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.PoolID,
		&p.Pair,
		&p.IsActive,
		&p.SolAmount,
		&p.StrategyType,
		&tpPrice,
		&slPrice,
		&rebStrategy,
		&rebType,
		&rebMin,
		&rebMax,
		&feesInterval,
		&feesMode,
		&feesReinvest,
		&feesLastClaimed,
		&p.Onchain.PositionPubkey,
		&p.Onchain.PositionSecret,
		&p.Onchain.OpenSignature,
		&p.Onchain.CloseSignature,
		&p.RebalancedFrom,
		&p.RebalancedTo,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tpPrice.Valid || slPrice.Valid {
		p.TakeProfit = &models.TakeProfitConfig{
			TakeProfitPrice: fromNullDecimal(tpPrice),
			StopLossPrice:   fromNullDecimal(slPrice),
		}
	}
	if rebStrategy.Valid {
		p.Rebalance = &models.RebalanceConfig{
			Strategy:     rebStrategy.String,
			Type:         rebType.String,
			StopMinPrice: fromNullDecimal(rebMin),
			StopMaxPrice: fromNullDecimal(rebMax),
		}
	}
	if feesMode.Valid {
		p.Fees = &models.FeesConfig{
			IntervalMinutes:  int(feesInterval.Int64),
			Mode:             feesMode.String,
			ReinvestStrategy: feesReinvest.String,
			LastClaimedAt:    feesLastClaimed.Time,
		}
	}

	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]*models.Position, error) {
	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func toNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

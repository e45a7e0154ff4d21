package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"lpkeeper/internal/chain"
	"lpkeeper/internal/models"
)

// PositionRepositoryInterface определяет интерфейс репозитория позиций
type PositionRepositoryInterface interface {
	Create(p *models.Position) error
	GetByID(id int) (*models.Position, error)
	GetActiveByPool(poolID string) ([]*models.Position, error)
	GetActive() ([]*models.Position, error)
	GetWithFeesEnabled() ([]*models.Position, error)
	Close(id int, closeSignature *string) error
	SetRebalancedTo(id, newID int) error
	UpdateLastClaimedAt(id int) error
}

// NotificationRepositoryInterface определяет интерфейс репозитория уведомлений
type NotificationRepositoryInterface interface {
	Create(notif *models.Notification) error
	GetRecent(limit int) ([]*models.Notification, error)
	Count() (int, error)
	DeleteOlderThan(olderThan time.Time) (int64, error)
}

// PriceSource вычисляет текущую цену пула (внешний pricing-коллаборатор;
// сама математика бинов живёт за SDK-границей)
type PriceSource interface {
	// PoolPrice возвращает цену в токенах за 1 SOL
	PoolPrice(ctx context.Context, poolID string) (decimal.Decimal, error)
}

// SignerProvider выдаёт подписанта для пользователя (кошельки и их
// расшифровка - вне ядра)
type SignerProvider interface {
	SignerForUser(ctx context.Context, userID int) (chain.Signer, error)
}

// RebalanceResult - результат standard-ребалансировки: старая позиция
// закрыта, новая открыта
type RebalanceResult struct {
	CloseSignature    string
	OpenSignature     string
	NewPositionPubkey string
	// NewPositionSecret - приватный ключ новой позиции в сыром виде;
	// шифрование перед записью в БД - забота вызывающего
	NewPositionSecret string
}

// ClaimResult - результат клейма комиссий
type ClaimResult struct {
	Signature string
	AmountX   decimal.Decimal
	AmountY   decimal.Decimal
}

// PositionActions - исполнитель он-чейн действий над позициями.
// Реализация строит инструкции через SDK и отправляет их через
// submission-клиент ретранслятора.
type PositionActions interface {
	// ClosePosition снимает ликвидность и закрывает позицию.
	// found=false означает, что позиции уже нет он-чейн: для вызывающего
	// это успешное терминальное состояние, не ошибка.
	ClosePosition(ctx context.Context, signer chain.Signer, poolID, positionPubkey string) (signature string, found bool, err error)

	// StandardRebalance закрывает позицию, выравнивает ликвидность свапом
	// и открывает новую позицию в активном диапазоне
	StandardRebalance(ctx context.Context, signer chain.Signer, poolID, positionPubkey, strategy string) (*RebalanceResult, error)

	// SimpleRebalance сдвигает ликвидность существующей позиции к активному
	// бину без свапа; идентичность позиции не меняется
	SimpleRebalance(ctx context.Context, signer chain.Signer, poolID, positionPubkey, strategy string) (string, error)

	// ClaimFees забирает накопленные комиссии в заданном режиме
	ClaimFees(ctx context.Context, signer chain.Signer, poolID, positionPubkey, mode, reinvestStrategy string) (*ClaimResult, error)

	// IsInRange сообщает, попадает ли активный бин пула в диапазон позиции
	IsInRange(ctx context.Context, poolID, positionPubkey string) (bool, error)
}

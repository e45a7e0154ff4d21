package service

import (
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"lpkeeper/internal/models"
)

// NotificationService - создание уведомлений о событиях движка.
// Запись в БД + лог; доставка пользователю (push и т.п.) - вне ядра.
type NotificationService struct {
	repo NotificationRepositoryInterface
}

// NewNotificationService создает новый сервис уведомлений
func NewNotificationService(repo NotificationRepositoryInterface) *NotificationService {
	return &NotificationService{repo: repo}
}

// PositionClosed - позиция закрыта по stop loss / take profit
func (s *NotificationService) PositionClosed(userID, positionID int, reason string, price decimal.Decimal, txSignature string) {
	s.create(&models.Notification{
		Type:       models.NotificationTypeClosePosition,
		Severity:   models.SeverityInfo,
		UserID:     userID,
		PositionID: &positionID,
		Title:      fmt.Sprintf("Position %s.", reason),
		Message:    fmt.Sprintf("Your position %d has been successfully closed by %s at price %s!", positionID, reason, price),
		Meta: map[string]interface{}{
			"tx_signature": txSignature,
			"reason":       reason,
		},
	})
}

// PositionRebalanced - позиция ребалансирована
func (s *NotificationService) PositionRebalanced(userID, positionID int, rebalanceType string, price decimal.Decimal, txSignature string) {
	s.create(&models.Notification{
		Type:       models.NotificationTypeRebalance,
		Severity:   models.SeverityInfo,
		UserID:     userID,
		PositionID: &positionID,
		Title:      "Rebalance position.",
		Message:    fmt.Sprintf("Your position %d has been successfully rebalanced at price %s (rebalance type - %s)!", positionID, price, rebalanceType),
		Meta: map[string]interface{}{
			"tx_signature":   txSignature,
			"rebalance_type": rebalanceType,
		},
	})
}

// FeesClaimed - комиссии собраны
func (s *NotificationService) FeesClaimed(userID, positionID int, mode, txSignature string) {
	s.create(&models.Notification{
		Type:       models.NotificationTypeFeeClaim,
		Severity:   models.SeverityInfo,
		UserID:     userID,
		PositionID: &positionID,
		Title:      "Fees claimed.",
		Message:    fmt.Sprintf("Fees for position %d were successfully claimed with mode %s!", positionID, mode),
		Meta: map[string]interface{}{
			"tx_signature": txSignature,
			"mode":         mode,
		},
	})
}

// create пишет уведомление; сбой записи не должен ронять триггерный путь,
// поэтому ошибка только логируется
func (s *NotificationService) create(n *models.Notification) {
	if err := s.repo.Create(n); err != nil {
		log.Printf("[notify] failed to persist notification type=%s position=%v: %v", n.Type, n.PositionID, err)
	}
}

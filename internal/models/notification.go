package models

import "time"

// Notification представляет уведомление о событии движка
type Notification struct {
	ID         int                    `json:"id" db:"id"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Type       string                 `json:"type" db:"type"`         // CLOSE_POSITION, REBALANCE, FEE_CLAIM, ERROR
	Severity   string                 `json:"severity" db:"severity"` // info, warn, error
	UserID     int                    `json:"user_id" db:"user_id"`
	PositionID *int                   `json:"position_id,omitempty" db:"position_id"`
	Title      string                 `json:"title" db:"title"`
	Message    string                 `json:"message" db:"message"`
	Meta       map[string]interface{} `json:"meta,omitempty" db:"meta"` // дополнительные данные (JSON в БД)
}

// Типы уведомлений
const (
	NotificationTypeClosePosition = "CLOSE_POSITION" // закрытие по stop loss / take profit
	NotificationTypeRebalance     = "REBALANCE"      // ребалансировка позиции
	NotificationTypeFeeClaim      = "FEE_CLAIM"      // клейм комиссий
	NotificationTypeError         = "ERROR"          // ошибка исполнения
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

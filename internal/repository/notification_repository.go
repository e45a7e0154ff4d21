package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"lpkeeper/internal/models"
)

// NotificationRepository - работа с таблицей notifications
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create создает новое уведомление
func (r *NotificationRepository) Create(notif *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, type, severity, user_id, position_id, title, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}

	var meta []byte
	if notif.Meta != nil {
		var err error
		meta, err = json.Marshal(notif.Meta)
		if err != nil {
			return err
		}
	}

	return r.db.QueryRow(
		query,
		notif.Timestamp,
		notif.Type,
		notif.Severity,
		notif.UserID,
		notif.PositionID,
		notif.Title,
		notif.Message,
		meta,
	).Scan(&notif.ID)
}

// GetRecent возвращает последние N уведомлений
func (r *NotificationRepository) GetRecent(limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, timestamp, type, severity, user_id, position_id, title, message, meta
		FROM notifications
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var meta []byte
		err := rows.Scan(
			&n.ID,
			&n.Timestamp,
			&n.Type,
			&n.Severity,
			&n.UserID,
			&n.PositionID,
			&n.Title,
			&n.Message,
			&meta,
		)
		if err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Meta); err != nil {
				return nil, err
			}
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// Count возвращает общее количество уведомлений
func (r *NotificationRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM notifications`).Scan(&count)
	return count, err
}

// DeleteOlderThan удаляет уведомления старше указанного момента (автоочистка)
func (r *NotificationRepository) DeleteOlderThan(olderThan time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM notifications WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

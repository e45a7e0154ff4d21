package handlers

import (
	"net/http"
	"strconv"
	"time"

	"lpkeeper/internal/service"
)

// NotificationHandler отвечает за журнал событий движка
//
// Endpoints:
// - GET /api/v1/notifications - последние события (закрытия, ребалансы, клеймы)
// - GET /api/v1/notifications?limit=50 - с ограничением количества
// - DELETE /api/v1/notifications?older_than_hours=168 - чистка журнала
type NotificationHandler struct {
	repo service.NotificationRepositoryInterface
}

// NewNotificationHandler создает новый NotificationHandler
func NewNotificationHandler(repo service.NotificationRepositoryInterface) *NotificationHandler {
	return &NotificationHandler{repo: repo}
}

// NotificationDTO представляет уведомление в API
type NotificationDTO struct {
	ID         int                    `json:"id"`
	Timestamp  string                 `json:"timestamp"`
	Type       string                 `json:"type"`
	Severity   string                 `json:"severity"`
	PositionID *int                   `json:"position_id,omitempty"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	Total         int               `json:"total"`
}

// GetNotifications возвращает последние уведомления
//
// GET /api/v1/notifications?limit=N (по умолчанию 100, максимум 500)
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 500 {
		limit = 500
	}

	notifications, err := h.repo.GetRecent(limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get notifications: "+err.Error())
		return
	}

	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		dtos = append(dtos, NotificationDTO{
			ID:         n.ID,
			Timestamp:  n.Timestamp.Format(time.RFC3339),
			Type:       n.Type,
			Severity:   n.Severity,
			PositionID: n.PositionID,
			Title:      n.Title,
			Message:    n.Message,
			Meta:       n.Meta,
		})
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: dtos,
		Total:         len(dtos),
	})
}

// ClearNotificationsResponse представляет ответ чистки журнала
type ClearNotificationsResponse struct {
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

// ClearNotifications удаляет старые уведомления
//
// DELETE /api/v1/notifications?older_than_hours=N (по умолчанию 0 - все)
func (h *NotificationHandler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Time
	if raw := r.URL.Query().Get("older_than_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 0 {
			respondWithError(w, http.StatusBadRequest, "older_than_hours must be a non-negative integer")
			return
		}
		olderThan = time.Now().Add(-time.Duration(hours) * time.Hour)
	} else {
		olderThan = time.Now()
	}

	deleted, err := h.repo.DeleteOlderThan(olderThan)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to clear notifications: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, ClearNotificationsResponse{
		Message: "Notifications cleared successfully",
		Deleted: deleted,
	})
}

package handlers

import (
	"net/http"

	"lpkeeper/internal/service"
)

// StreamStatus - состояние подписочного соединения
type StreamStatus interface {
	IsConnected() bool
}

// EngineStatus - состояние триггерного движка
type EngineStatus interface {
	TrackedPositions() int
}

// StatusHandler отвечает за обзорный статус движка
//
// Endpoints:
// - GET /api/v1/status - состояние стрима и счётчики позиций
type StatusHandler struct {
	stream StreamStatus
	engine EngineStatus
	repo   service.PositionRepositoryInterface
}

// NewStatusHandler создает новый StatusHandler
func NewStatusHandler(stream StreamStatus, engine EngineStatus, repo service.PositionRepositoryInterface) *StatusHandler {
	return &StatusHandler{stream: stream, engine: engine, repo: repo}
}

// StatusResponse представляет обзорный статус
type StatusResponse struct {
	StreamConnected  bool `json:"stream_connected"`
	TrackedPositions int  `json:"tracked_positions"`
	ActivePositions  int  `json:"active_positions"`
}

// GetStatus возвращает обзорный статус
//
// GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	active, err := h.repo.GetActive()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to list active positions: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, StatusResponse{
		StreamConnected:  h.stream.IsConnected(),
		TrackedPositions: h.engine.TrackedPositions(),
		ActivePositions:  len(active),
	})
}

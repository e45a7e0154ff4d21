package api

import (
	"database/sql"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lpkeeper/internal/api/handlers"
	"lpkeeper/internal/api/middleware"
	"lpkeeper/internal/service"
)

// Dependencies содержит зависимости для API handlers
type Dependencies struct {
	DB            *sql.DB
	Notifications service.NotificationRepositoryInterface
	Positions     service.PositionRepositoryInterface
	Stream        handlers.StreamStatus
	Engine        handlers.EngineStatus
}

// SetupRoutes настраивает HTTP маршруты служебного сервера
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /notifications/
//	│   ├── GET / - журнал событий движка
//	│   └── DELETE / - чистка журнала
//	└── /status/
//	    └── GET / - состояние стрима и счётчики позиций
//
// /health  - проверка живости (включая ping БД)
// /metrics - Prometheus метрики
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)

	var notificationHandler *handlers.NotificationHandler
	if deps != nil && deps.Notifications != nil {
		notificationHandler = handlers.NewNotificationHandler(deps.Notifications)
	}

	var statusHandler *handlers.StatusHandler
	if deps != nil && deps.Stream != nil && deps.Engine != nil && deps.Positions != nil {
		statusHandler = handlers.NewStatusHandler(deps.Stream, deps.Engine, deps.Positions)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	if notificationHandler != nil {
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
		api.HandleFunc("/notifications", notificationHandler.ClearNotifications).Methods("DELETE")
	}

	if statusHandler != nil {
		api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
	}

	// Health check endpoint: процесс жив и БД отвечает
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps != nil && deps.DB != nil {
			if err := deps.DB.PingContext(r.Context()); err != nil {
				http.Error(w, "database unreachable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

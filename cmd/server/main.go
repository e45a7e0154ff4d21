package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lpkeeper/internal/api"
	"lpkeeper/internal/chain"
	"lpkeeper/internal/config"
	"lpkeeper/internal/engine"
	"lpkeeper/internal/listener"
	"lpkeeper/internal/relay"
	"lpkeeper/internal/repository"
	"lpkeeper/internal/service"
	"lpkeeper/internal/stream"
	"lpkeeper/internal/watchdog"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
)

// chainAdapter - подключение к SDK блокчейна: сборка инструкций
// ликвидности, прайсинг пулов и кошельки живут в отдельном адаптере
// за узкими интерфейсами
type chainAdapter interface {
	RPC() chain.RPC
	TxFactory() chain.TxFactory
	Prices() listener.PriceSource
	Signers() service.SignerProvider
	// Actions строит исполнитель он-чейн действий поверх relay-клиента
	Actions(relayClient *relay.Client) service.PositionActions
}

// buildAdapter возвращает подключенный DLMM-адаптер.
// TODO(dlmm): подключить адаптер Meteora DLMM из отдельного модуля;
// до этого ядро наблюдения не запускается и процесс обслуживает только
// служебный API.
func buildAdapter() chainAdapter {
	return nil
}

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	log.Println("Connected to database successfully")

	// Инициализация репозиториев
	positionRepo := repository.NewPositionRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Инициализация сервисов
	notifier := service.NewNotificationService(notificationRepo)

	// Запуск ядра наблюдения
	var (
		streamClient *stream.Client
		trigger      *engine.Engine
		wd           *watchdog.Watchdog
	)
	if adapter := buildAdapter(); adapter != nil {
		streamClient, trigger, wd, err = startCore(cfg, positionRepo, notifier, adapter)
		if err != nil {
			log.Fatalf("Failed to start core: %v", err)
		}
	} else {
		log.Println("Chain adapter not configured, core disabled - serving API only")
	}

	// Настройка зависимостей для API
	deps := &api.Dependencies{
		DB:            db,
		Notifications: notificationRepo,
		Positions:     positionRepo,
	}
	if streamClient != nil {
		deps.Stream = streamClient
		deps.Engine = trigger
	}

	// Настройка HTTP роутера
	router := api.SetupRoutes(deps)

	// HTTP сервер
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	if wd != nil {
		wd.Stop()
	}
	if streamClient != nil {
		streamClient.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// startCore собирает и запускает ядро наблюдения: relay-клиент, стрим,
// listener пулов, триггерный движок и ватчдог
func startCore(cfg *config.Config, positionRepo *repository.PositionRepository, notifier *service.NotificationService, adapter chainAdapter) (*stream.Client, *engine.Engine, *watchdog.Watchdog, error) {
	relayClient, err := relay.New(relay.Config{
		BaseURLs:            cfg.Relay.BaseURLs,
		TipLamports:         cfg.Relay.TipLamports,
		TipRefreshEvery:     cfg.Relay.TipRefreshEvery,
		MaxAttempts:         cfg.Relay.MaxAttempts,
		RetryBaseDelay:      cfg.Relay.RetryBaseDelay,
		RetryMaxDelay:       cfg.Relay.RetryMaxDelay,
		RetryJitter:         cfg.Relay.RetryJitter,
		ConfirmDepth:        cfg.Relay.ConfirmDepth,
		ConfirmPollInterval: cfg.Relay.ConfirmPollInterval,
		ConfirmTimeout:      cfg.Relay.ConfirmTimeout,
	}, adapter.RPC(), adapter.TxFactory())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("relay client: %w", err)
	}

	actions := adapter.Actions(relayClient)
	prices := adapter.Prices()
	signers := adapter.Signers()

	// Стрим и listener ссылаются друг на друга, поэтому обработчик
	// нотификаций замыкается на ещё не созданный listener
	var lst *listener.PoolListener
	streamClient := stream.NewClient(stream.Config{
		URL:                   cfg.Stream.URL,
		Commitment:            cfg.Stream.Commitment,
		Heartbeat:             cfg.Stream.Heartbeat,
		CallTimeout:           cfg.Stream.CallTimeout,
		ReconnectInitialDelay: cfg.Stream.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.Stream.ReconnectMaxDelay,
		ReconnectJitterFrac:   cfg.Stream.ReconnectJitterFrac,
	}, func(pubkey string, slot uint64, data jsoniter.RawMessage) {
		lst.OnAccountUpdate(pubkey, slot, data)
	})
	lst = listener.New(streamClient, prices)

	trigger := engine.New(cfg.Engine.TriggerCooldown, []byte(cfg.Security.SecretBoxKey), positionRepo, actions, signers, notifier, lst)
	lst.SetHandler(trigger)

	wd := watchdog.New(watchdog.Config{
		PricePeriod: cfg.Watchdog.PricePeriod,
		ClaimPeriod: cfg.Watchdog.ClaimPeriod,
		JitterFrac:  cfg.Watchdog.JitterFrac,
		MinDelay:    cfg.Watchdog.MinDelay,
	}, positionRepo, prices, trigger, actions, signers, notifier)

	if err := bootstrap(context.Background(), positionRepo, lst); err != nil {
		return nil, nil, nil, err
	}
	wd.Start()

	return streamClient, trigger, wd, nil
}

// bootstrap подписывает пулы всех активных позиций при старте процесса.
// Эфемерное состояние гистерезиса при этом не восстанавливается:
// каждая позиция начнёт с чистого листа на первом тике.
func bootstrap(ctx context.Context, positionRepo *repository.PositionRepository, lst *listener.PoolListener) error {
	positions, err := positionRepo.GetActive()
	if err != nil {
		return fmt.Errorf("list active positions: %w", err)
	}

	for _, pos := range positions {
		if err := lst.Track(ctx, pos.PoolID, pos.ID); err != nil {
			log.Printf("bootstrap: track pool %s for position %d: %v", pos.PoolID, pos.ID, err)
		}
	}

	log.Printf("bootstrap: watching %d active positions", len(positions))
	return nil
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

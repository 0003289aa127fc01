package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reader-realtime/internal/auth"
	"reader-realtime/internal/broadcast"
	"reader-realtime/internal/config"
	"reader-realtime/internal/models"
	"reader-realtime/internal/presence"
	"reader-realtime/internal/queue"
	"reader-realtime/internal/redis"
	"reader-realtime/internal/ws"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	validator, err := auth.NewValidator(cfg.JWTSecret)
	if err != nil {
		log.Fatal("Failed to initialize auth: ", err)
	}

	// Initialize the shared store
	store, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to initialize Redis: ", err)
	}

	// Queue and presence live in the store; the hub is per-instance.
	eventQueue, err := queue.New(store, queue.Config{
		MaxQueueSize:  cfg.MaxQueueSize,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		BatchSize:     cfg.BatchSize,
		DrainInterval: cfg.DrainInterval,
	})
	if err != nil {
		log.Fatal("Failed to initialize event queue: ", err)
	}

	tracker := presence.NewTracker(store)

	hub := ws.NewHub()
	go hub.Run()

	broadcaster := broadcast.New(hub, tracker, store, store, cfg.HistoryLimit)

	// Relay broadcasts from peer instances into the local hub
	go redis.SubscribeToBroadcasts(store, hub)

	// Drain loop: persist, update presence, fan out
	eventQueue.StartPeriodicProcessing(func(event *models.RealTimeEvent) error {
		if err := store.StoreEvent(event); err != nil {
			return err
		}

		if event.EventType == models.EventLogout {
			if err := tracker.SetUserOnline(event.UserID, false); err != nil {
				return err
			}
		} else {
			if err := tracker.SetUserOnline(event.UserID, true); err != nil {
				return err
			}
		}

		return broadcaster.BroadcastEvent(event)
	})

	handler := ws.NewHandler(hub, eventQueue, broadcaster, tracker, validator)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())

	started := time.Now()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"uptime": time.Since(started).String(),
		})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"queue":       eventQueue.GetStats(),
			"connections": hub.ClientCount(),
			"rooms":       broadcaster.GetAllRooms(),
			"onlineUsers": len(tracker.OnlineUsers()),
		})
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		slog.Info("Realtime server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed: ", err)
		}
	}()

	// Graceful shutdown: stop accepting, finish the in-flight drain, then
	// release the store.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	eventQueue.Shutdown()

	if err := store.Close(); err != nil {
		slog.Error("Failed to close Redis", "error", err)
	}

	slog.Info("Shutdown complete")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

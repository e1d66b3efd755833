package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"offline-sync-service/internal/api"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/media"
	"offline-sync-service/internal/recovery"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync service")

	// Init Store
	st, err := store.NewSQLiteStore(cfg.Storage.FilePath)
	if err != nil {
		logger.Log.Fatal("Failed to init store", zap.Error(err))
	}
	defer st.Close()

	// Remote counterpart: probe and record client share the HTTP client.
	client := remote.NewHTTPClient(cfg.Remote)

	// Init Sync Engine
	engine := sync.NewEngine(cfg.Sync, st, client, client)
	if err := engine.Start(); err != nil {
		logger.Log.Fatal("Failed to start sync engine", zap.Error(err))
	}
	defer engine.Stop()

	// Init Recovery System
	recoverySystem := recovery.NewSystem(cfg.Recovery, st, client, client)
	if err := recoverySystem.Start(); err != nil {
		logger.Log.Fatal("Failed to start recovery system", zap.Error(err))
	}
	defer recoverySystem.Stop()

	// Media sidecar managers reuse the engine's offline pipeline.
	mediaManager := media.NewManager(cfg.Media, engine)

	// Init API
	handler := api.NewHandler(engine, st, recoverySystem, mediaManager)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	recoverySystem.Stop()
	engine.Stop()
	server.Close()
}

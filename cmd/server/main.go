package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"groundchat/internal/app"
	"groundchat/internal/config"
	"groundchat/internal/server"
	"groundchat/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup, err := util.InitLogger(cfg.LogLevel, "groundchat", cfg.LogsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCore, err := app.New(ctx, cfg, logger)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()
	if cfg.AuthDisabled {
		logger.Warn("authentication disabled; X-User-ID is trusted")
	}

	srvCfg := server.Config{
		Conversations:  appCore.Conversations,
		Documents:      appCore.Documents,
		AuthDisabled:   cfg.AuthDisabled,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	if appCore.Verifier != nil {
		srvCfg.Auth = appCore.Verifier
	}
	if appCore.Limiter != nil {
		srvCfg.Limiter = appCore.Limiter
	}
	httpServer := server.New(srvCfg)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := appCore.StartWorkers(workerCtx)

	addr := ":" + cfg.Port
	// No WriteTimeout: answers stream for as long as generation runs.
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("groundchat server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	appCore.Conversations.Wait()
	stopWorkers()
	<-workersDone
	logger.Info("shutdown complete")
}

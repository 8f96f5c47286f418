package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/api"
	"github.com/gaoqiangz/svn-commit-wt/internal/config"
	"github.com/gaoqiangz/svn-commit-wt/internal/logging"
	"github.com/gaoqiangz/svn-commit-wt/internal/service"
	"github.com/gaoqiangz/svn-commit-wt/internal/spool"
	"github.com/gaoqiangz/svn-commit-wt/internal/validation"
	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync()

	pipeline, err := service.Open(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize pipeline", zap.Error(err))
	}
	defer pipeline.Close()

	dispatcher := service.NewDispatcher(pipeline.Syncer, cfg.Dispatch.Workers, logger.Named("dispatch").Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Notifications the hook spooled while the service was down.
	sp, err := spool.New(cfg.Spool.Dir, logger.Named("spool").Logger)
	if err != nil {
		logger.Fatal("failed to initialize spool", zap.Error(err))
	}
	spoolDone := make(chan struct{})
	go func() {
		defer close(spoolDone)
		err := sp.Watch(ctx, func(ctx context.Context, req *shared.CommitRequest) error {
			if err := validation.Struct(req); err != nil {
				return err
			}
			target, err := pipeline.Syncer.Prepare(ctx, req)
			if err != nil {
				return err
			}
			return dispatcher.Submit(target)
		})
		if err != nil {
			logger.Error("spool watcher stopped", zap.Error(err))
		}
	}()

	handler := api.NewCommitHandler(pipeline.Syncer, dispatcher, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewRouter(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("address", cfg.HTTP.Listen))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
		stop()
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	<-spoolDone
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pending deliveries abandoned", zap.Error(err))
	}
	logger.Info("stopped")
}

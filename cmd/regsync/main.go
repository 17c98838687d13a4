// cmd/regsync/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fawad-mazhar/regsync/internal/api/routes"
	"github.com/fawad-mazhar/regsync/internal/config"
	"github.com/fawad-mazhar/regsync/internal/logging"
	"github.com/fawad-mazhar/regsync/internal/models"
	"github.com/fawad-mazhar/regsync/internal/queue"
	"github.com/fawad-mazhar/regsync/internal/runner"
	"github.com/fawad-mazhar/regsync/internal/service"
	"github.com/fawad-mazhar/regsync/internal/storage/leveldb"
	"github.com/fawad-mazhar/regsync/internal/storage/postgres"
	"github.com/fawad-mazhar/regsync/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	host, err := models.CurrentHost()
	if err != nil {
		logger.Fatal("failed to resolve host identity", zap.Error(err))
	}
	clock := clockwork.NewRealClock()

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL client
	db, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	// Initialize LevelDB log store
	logs, err := leveldb.NewClient(cfg.LevelDB, clock)
	if err != nil {
		logger.Fatal("failed to open log store", zap.Error(err))
	}
	defer logs.Close()

	// Initialize NATS client
	nats, err := queue.NewNATS(cfg.NATS)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer nats.Close()

	// Register task handlers
	registry := worker.NewRegistry()
	if err := worker.RegisterAll(registry, worker.DryRunHandlers()); err != nil {
		logger.Fatal("failed to register task handlers", zap.Error(err))
	}

	factory := models.NewTaskFactory(models.XIDGenerator{}, clock, host)
	svc := service.New(factory, db, nats, logs, clock, logger)
	taskRunner := runner.NewRunner(cfg.Worker, host, db, nats, logs, registry, clock, logger)

	// Start runner
	go func() {
		if err := taskRunner.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("runner stopped with error", zap.Error(err))
			cancel()
		}
	}()

	ensureSystemTasks(ctx, cfg.Sync, svc, logger)

	// Start HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      routes.SetupRouter(cfg, svc, logger),
		ReadTimeout:  config.Seconds(cfg.Server.ReadTimeout),
		WriteTimeout: config.Seconds(cfg.Server.WriteTimeout),
	}
	go func() {
		logger.Info("starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server stopped with error", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownTimeout := config.Seconds(cfg.Worker.ShutdownTimeout)

	serverCtx, serverCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer serverCancel()
	if err := server.Shutdown(serverCtx); err != nil {
		logger.Error("error during HTTP server shutdown", zap.Error(err))
	}

	if err := taskRunner.Shutdown(shutdownTimeout); err != nil {
		logger.Error("error during runner shutdown", zap.Error(err))
	}

	// Interrupt what is still running and wait until it is requeued
	cancel()
	waitWithTimeout(taskRunner.Wait, 10*time.Second)

	logger.Info("shutdown complete")
}

// ensureSystemTasks queues the changes stream and the binary syncs named in
// the configuration unless they are already queued or running
func ensureSystemTasks(ctx context.Context, cfg config.SyncConfig, svc *service.Service, logger *zap.Logger) {
	if cfg.ChangesStreamTarget != "" {
		task, err := svc.EnsureChangesStreamTask(ctx, cfg.ChangesStreamTarget)
		if err != nil {
			logger.Error("failed to ensure changes stream task", zap.String("target", cfg.ChangesStreamTarget), zap.Error(err))
		} else {
			logger.Info("changes stream task ready", zap.String("task_id", task.TaskID), zap.String("state", string(task.State)))
		}
	}

	for _, binary := range cfg.Binaries {
		task, err := svc.CreateSyncBinaryTask(ctx, binary, nil)
		if err != nil {
			logger.Error("failed to create sync binary task", zap.String("target", binary), zap.Error(err))
			continue
		}
		logger.Info("sync binary task ready", zap.String("task_id", task.TaskID), zap.String("target", binary))
	}
}

func waitWithTimeout(wait func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}

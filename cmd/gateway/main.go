// Command gateway runs the WebSocket subscription fan-out server: it
// ingests account/slot updates from a broker topic, shards subscription
// state across a pool of Manager goroutines, and serves JSON-RPC
// subscribe/notify over WebSocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bobs4462/wsgateway/internal/buffer"
	"github.com/bobs4462/wsgateway/internal/config"
	"github.com/bobs4462/wsgateway/internal/ingest"
	"github.com/bobs4462/wsgateway/internal/logging"
	"github.com/bobs4462/wsgateway/internal/manager"
	"github.com/bobs4462/wsgateway/internal/metrics"
	"github.com/bobs4462/wsgateway/internal/router"
	"github.com/bobs4462/wsgateway/internal/session"
	"github.com/bobs4462/wsgateway/internal/supervise"
)

// writeShutdownGrace bounds how long in-flight sessions get to drain on SIGTERM.
const writeShutdownGrace = 5 * time.Second

func main() {
	cfg, err := config.FromFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	m := metrics.New()

	managers := make([]*manager.Manager, cfg.ManagerCount)
	managerHandles := make([]router.ManagerHandle, cfg.ManagerCount)
	for i := range managers {
		managers[i] = manager.New(i, m, logger)
		managerHandles[i] = managers[i]
	}

	r := router.New(managerHandles)
	buf := buffer.New(r, logger.Named("buffer"))
	r.SetBufferManager(ctx, buf)

	for i, mgr := range managers {
		name := fmt.Sprintf("manager-%d", i)
		go func(mg *manager.Manager, name string) {
			_ = supervise.Run(ctx, name, logger, mg.Run)
		}(mgr, name)
	}
	go func() { _ = supervise.Run(ctx, "buffer", logger, buf.Run) }()

	accountsTopic := ingest.NewFakeTopic(4096)
	slotsTopic := ingest.NewFakeTopic(1024)
	if len(cfg.NSQLookup) > 0 {
		logger.Warn("nsqlookup addresses configured but no production broker client is wired; using the in-process fake topic",
			zap.Strings("nsqlookup", cfg.NSQLookup))
	}
	accountConsumer := ingest.NewAccountConsumer(accountsTopic, r, m, logger)
	slotConsumer := ingest.NewSlotConsumer(slotsTopic, r, m, logger)
	go func() { _ = accountConsumer.Run(ctx) }()
	go func() { _ = slotConsumer.Run(ctx) }()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("starting metrics server", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	var nextSessionID atomic.Uint64
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		id := nextSessionID.Add(1)
		sess := session.New(id, conn, r, m, logger)
		go func() { _ = sess.Run(ctx) }()
	})

	wsSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeShutdownGrace)
		defer cancel()
		_ = wsSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting websocket server",
		zap.String("addr", cfg.ListenAddr),
		zap.Int("manager_count", cfg.ManagerCount),
		zap.Int("worker_count", cfg.WorkerCount),
	)
	if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

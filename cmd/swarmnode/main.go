package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/meshnode/internal/swarm/node"
	"github.com/swarmguard/meshnode/libs/go/core/logging"
	"github.com/swarmguard/meshnode/libs/go/core/otelinit"
)

func main() {
	service := "swarmnode"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	cfg := node.LoadConfig()
	if !cfg.Enabled {
		slog.Info("swarm disabled via SWARM_ENABLED, exiting")
		return
	}

	n, err := node.New(cfg)
	if err != nil {
		slog.Error("failed to construct swarm node", "error", err)
		return
	}

	n.Start(ctx)

	mux := n.ServerMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("GET /metrics", h)
		}
	}

	go func() {
		if err := n.ListenAndServe(ctx); err != nil {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("swarm node started", "node_id", cfg.NodeID, "api_url", cfg.APIURL)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	n.Stop()

	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sdCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"emberroom/go-backend/internal/bootstrap/relayconfig"
	"emberroom/go-backend/internal/platform/privacylog"
	"emberroom/go-backend/internal/relay"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to relay.yaml (optional)")
	listenAddr := flag.String("listen-addr", "", "websocket listen address override")
	metricsAddr := flag.String("metrics-addr", "", "prometheus listen address override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("emberroom-relay version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg := relayconfig.LoadFromPath(*configPath)
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	promReg := prometheus.NewRegistry()
	metrics := relay.NewMetrics(promReg)
	registry := relay.NewRegistry(cfg.MaxRoomSize, clock.New(), metrics, log)
	srv := relay.NewServer(cfg, registry, metrics, log)

	log.Info("emberroom-relay starting", "addr", cfg.ListenAddr)
	if err := srv.Run(ctx, promReg); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("emberroom-relay failed", "err", err)
		os.Exit(1)
	}
	log.Info("emberroom-relay stopped")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kd9lq/packetbbs/internal/banner"
	"github.com/kd9lq/packetbbs/internal/bbs"
	"github.com/kd9lq/packetbbs/internal/logging"
	"github.com/kd9lq/packetbbs/internal/observability"
	"github.com/kd9lq/packetbbs/internal/session"
	"github.com/kd9lq/packetbbs/internal/store"
	"github.com/kd9lq/packetbbs/internal/transport/agw"
	"github.com/kd9lq/packetbbs/internal/transport/term"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to bbsd TOML config")
	flag.Parse()

	logging.ConfigureRuntime()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bbsd: %v\n", err)
		os.Exit(1)
	}
}

// run blocks until signal shutdown or a transport fails.
func run(configPath string) error {
	cfg, err := loadDaemonConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer db.Close()

	registry := session.NewRegistry()
	dispatcher := bbs.NewDispatcher(registry, db, banner.Render(cfg.Banner))

	log.Info().
		Str("station", cfg.StationCall).
		Str("db", cfg.DBFile).
		Str("version", bbs.Version).
		Msg("bbsd starting")

	errs := make(chan error, 3)

	if cfg.AGWEnabled {
		client, err := agw.NewClient(cfg.AGW, registry, dispatcher)
		if err != nil {
			return err
		}
		go func() {
			errs <- client.Run(ctx)
		}()
	}

	if cfg.TermEnabled {
		svc, err := term.NewService(cfg.Term, registry, dispatcher, db)
		if err != nil {
			return err
		}
		go func() {
			errs <- svc.Run(ctx)
		}()
	}

	var metricsSrv *http.Server
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.MetricsListenAddr).Msg("metrics listener starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("bbsd shutting down")
		err = nil
	case err = <-errs:
		if err != nil {
			log.Error().Err(err).Msg("transport failed")
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return err
}

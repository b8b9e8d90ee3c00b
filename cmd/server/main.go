package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tmeetei/groupcall/internal/adapters"
	"github.com/tmeetei/groupcall/internal/adapters/engine"
	router "github.com/tmeetei/groupcall/internal/adapters/http"
	"github.com/tmeetei/groupcall/internal/app"
	"github.com/tmeetei/groupcall/internal/config"
	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	var eng core.MediaEngine
	switch cfg.EngineMode {
	case "embedded":
		eng = engine.NewEmbedded(engine.DefaultWebRTCConfig())
		log.Info().Msg("using embedded media engine")
	default:
		kurento := engine.NewKurento(cfg.EngineURL)
		defer kurento.Close()
		eng = kurento
		log.Info().Str("url", cfg.EngineURL).Msg("using kurento media engine")
	}

	m := metrics.New()
	orch := &app.Orchestrator{
		Registry:           app.NewRegistry(),
		Media:              app.NewMediaManager(),
		Engine:             eng,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Metrics:            m,
	}
	gw := &adapters.Gateway{
		Orch:       orch,
		Limiter:    adapters.NewRateLimiter(cfg.MsgRateLimit, cfg.MsgRateWindow),
		Metrics:    m,
		ReadLimit:  cfg.ReadLimit,
		SendBuffer: cfg.SendBuffer,
	}

	r := router.SetupRouter(ctx, cfg, gw)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("group call server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

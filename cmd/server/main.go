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

	router "github.com/dkeye/Radio/internal/adapters/http"
	"github.com/dkeye/Radio/internal/adapters/relay"
	"github.com/dkeye/Radio/internal/adapters/rtc"
	"github.com/dkeye/Radio/internal/app/radio"
	"github.com/dkeye/Radio/internal/config"
	"github.com/dkeye/Radio/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	cfg.Watch(func(next *config.Config) {
		zerolog.SetGlobalLevel(next.Level())
		log.Info().Str("level", next.Level().String()).Msg("log level applied")
	})

	rel, err := relay.Open(ctx, relay.Config{
		Driver:       cfg.Relay.Driver,
		DSN:          cfg.Relay.DSN,
		SQLitePath:   cfg.Relay.SQLitePath,
		TailInterval: cfg.Relay.TailInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Relay.Driver).Msg("failed to open relay")
	}

	transport, err := rtc.NewTransport(cfg.Radio.ICEServers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build peer transport")
	}
	capture := rtc.NewFileCapture(cfg.Media.CaptureFile, string(domain.NewParticipantID()))
	sinks := rtc.NewSinkFactory(cfg.Media.RecordDir)

	node := radio.New(rel, transport, capture, sinks, radio.Options{
		StalenessWindow: cfg.Radio.StalenessWindow,
		HeartbeatPeriod: cfg.Radio.HeartbeatPeriod,
		PollPeriod:      cfg.Radio.PollPeriod,
		EnvelopeTTL:     cfg.Radio.EnvelopeTTL,
		FanoutLimit:     cfg.Radio.FanoutLimit,
	})

	r := router.SetupRouter(ctx, cfg, node)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("relay", cfg.Relay.Driver).Msg("Radio server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	if cs := cfg.Autoconnect.Callsign; cs != "" {
		if err := node.Connect(ctx, cs, domain.ChannelIndex(cfg.Autoconnect.Channel)); err != nil {
			log.Error().Err(err).Str("callsign", cs).Msg("autoconnect failed")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := node.Disconnect(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("disconnect on shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := rel.Close(); err != nil {
		log.Error().Err(err).Msg("relay close")
	}
	capture.Close()
	log.Info().Msg("Server exited gracefully")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"

	router "github.com/dkeye/jamvoice/internal/adapters/http"
	"github.com/dkeye/jamvoice/internal/app/relay"
	"github.com/dkeye/jamvoice/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("relay", pflag.ExitOnError)
	fs.Int("port", 8080, "listen port")
	fs.String("relay.redis_addr", "", "redis address for multi-instance fan-out")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	opts := relay.Options{
		PresenceGrace: cfg.Relay.PresenceGrace,
		JoinLimit:     cfg.Relay.JoinLimit,
		JoinInterval:  cfg.Relay.JoinInterval,
		MessageRate:   cfg.Relay.MessageRate,
		MessageBurst:  cfg.Relay.MessageBurst,
		Policy:        relay.SimplePolicy{},
	}
	if cfg.Relay.RedisAddr != "" {
		bus, err := relay.NewRedisBus(ctx, cfg.Relay.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("redis bus")
		}
		defer bus.Close()
		opts.Bus = bus
	}
	hub := relay.NewHub(opts)

	r := router.SetupRouter(ctx, cfg, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		log.Info().Str("addr", addr).Msg("jam relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	})
	wg.Go(func() {
		if err := hub.RunBus(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("bus stopped")
		}
	})

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	wg.Wait()
	log.Info().Msg("Relay exited gracefully")
}

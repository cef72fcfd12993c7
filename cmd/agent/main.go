package main

import (
	"context"
	"errors"
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
	"github.com/dkeye/jamvoice/internal/adapters/media"
	"github.com/dkeye/jamvoice/internal/adapters/rtc"
	"github.com/dkeye/jamvoice/internal/adapters/signalclient"
	"github.com/dkeye/jamvoice/internal/app/mesh"
	"github.com/dkeye/jamvoice/internal/config"
	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
)

func meshConfig(cfg *config.Config, peer domain.PeerID, name string) mesh.Config {
	mc := mesh.DefaultConfig()
	mc.Room = domain.RoomID(cfg.Agent.Room)
	mc.LocalID = peer
	mc.DisplayName = name
	mc.MaxPeers = cfg.Mesh.MaxPeers
	mc.HealthInterval = cfg.Mesh.HealthInterval
	mc.ConnectionTimeout = cfg.Mesh.ConnectionTimeout
	mc.MaxReconnectAttempts = cfg.Mesh.MaxReconnectAttempts
	mc.BackoffBase = cfg.Mesh.BackoffBase
	mc.BackoffMax = cfg.Mesh.BackoffMax
	mc.SweepInterval = cfg.Mesh.SweepInterval
	mc.CandidateFlushInterval = cfg.Mesh.CandidateFlushInterval
	mc.CandidateTTL = cfg.Mesh.CandidateTTL
	mc.GraceWindow = cfg.Mesh.GraceWindow
	mc.HeartbeatInterval = cfg.Mesh.HeartbeatInterval
	mc.LevelInterval = cfg.Mesh.LevelInterval
	return mc
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("agent", pflag.ExitOnError)
	fs.String("agent.signal_url", "", "relay websocket url")
	fs.String("agent.room", "", "room to join")
	fs.String("agent.peer_id", "", "peer id (random when empty)")
	fs.String("agent.display_name", "", "display name")
	fs.String("agent.input_file", "", "Ogg/Opus file to stream; silence when empty")
	fs.String("agent.control_addr", "", "control API listen address")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	peer := domain.PeerID(cfg.Agent.PeerID)
	if peer == "" {
		peer = domain.NewPeerID()
	}
	name := cfg.Agent.DisplayName
	if name == "" {
		name = string(peer)
	}
	if _, err := domain.NewParticipant(peer, name); err != nil {
		log.Fatal().Err(err).Msg("invalid identity")
	}
	logger := log.With().Str("peer", string(peer)).Str("room", cfg.Agent.Room).Logger()

	url, err := signalclient.BuildURL(cfg.Agent.SignalURL, domain.RoomID(cfg.Agent.Room), peer, name)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad signal url")
	}
	mc := meshConfig(cfg, peer, name)
	client := signalclient.New(url, core.Backoff{Base: mc.BackoffBase, Max: mc.BackoffMax})

	conns, err := rtc.NewFactory(rtc.ConfigWithICE(cfg.Agent.ICEServers))
	if err != nil {
		logger.Fatal().Err(err).Msg("webrtc setup")
	}

	manager := mesh.NewManager(mc, mesh.Deps{
		Transport: client,
		Conns:     conns,
		Sinks:     rtc.SinkFactory{RecordDir: cfg.Agent.RecordDir},
		Media:     media.NewProvider(cfg.Agent.InputFile),
	})
	manager.OnError(func(err error) {
		logger.Warn().Err(err).Msg("alert")
	})
	client.SetListener(manager)

	srv := &http.Server{
		Addr:    cfg.Agent.ControlAddr,
		Handler: router.SetupControlRouter(cfg.Mode, manager),
	}

	// The mesh and relay link outlive the signal ctx so Leave can still be announced.
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := manager.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("mesh stopped")
		}
	})
	wg.Go(func() {
		if err := client.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("signal client stopped")
		}
	})
	wg.Go(func() {
		logger.Info().Str("addr", srv.Addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("control API error")
		}
	})

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := manager.Leave(shutdownCtx); err != nil {
		logger.Debug().Err(err).Msg("leave on shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("control API forced to shutdown")
	}
	stop()
	wg.Wait()
	logger.Info().Msg("Agent exited gracefully")
}

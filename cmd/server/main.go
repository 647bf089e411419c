package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanullahtanweer/caption-relay/internal/audio"
	"github.com/amanullahtanweer/caption-relay/internal/broadcast"
	"github.com/amanullahtanweer/caption-relay/internal/config"
	"github.com/amanullahtanweer/caption-relay/internal/logging"
	"github.com/amanullahtanweer/caption-relay/internal/server"
	"github.com/amanullahtanweer/caption-relay/internal/session"
	"github.com/amanullahtanweer/caption-relay/internal/transcriber"
)

var version = "dev"

func main() {
	var (
		configFile  string
		port        int
		noAutostart bool
	)
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config and PORT)")
	flag.BoolVar(&noAutostart, "no-autostart", false, "Do not start a session at launch")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		logging.Init("info", true)
		log := logging.For("main")
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if noAutostart {
		cfg.Session.Autostart = false
	}

	logging.Init(cfg.Log.Level, cfg.Log.Pretty)
	log := logging.For("main")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := broadcast.NewHub(cfg.Server.MaxClients, cfg.Server.SubscriberBuffer, logging.For("sse"))

	if cfg.Redis.URL != "" {
		client, err := broadcast.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid redis url")
		}
		defer client.Close()
		bridge := broadcast.NewRedisBridge(client, cfg.Redis.Channel, hub, logging.For("redis"))
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Redis bridge stopped")
			}
		}()
	}

	opts := []server.Option{}

	src, release, err := audio.NewSource(cfg.Audio.Source, audio.SourceOptions{
		WAVPath:         cfg.Audio.WAVPath,
		WAVRealtime:     cfg.Audio.WAVRealtime,
		AudioSocketAddr: cfg.Audio.AudioSocketAddr,
	}, logging.For("audio"))
	if err != nil {
		// the relay still serves /broadcast and /stream without local capture
		log.Warn().Err(err).Str("source", cfg.Audio.Source).Msg("Audio capture unavailable")
	} else {
		defer release()
	}

	pipeline := audio.NewPipeline(src, logging.For("audio"))
	opts = append(opts, server.WithDevices(pipeline))

	client := transcriber.NewClient(cfg.Upstream.APIURL, cfg.Upstream.NegotiateTimeout, logging.For("gladia"))

	sessionOpts := session.DefaultOptions()
	sessionOpts.MaxAttempts = cfg.Session.ReconnectMaxAttempts
	sessionOpts.BaseDelay = cfg.Session.ReconnectBaseDelay
	sessionOpts.RestartDelay = cfg.Session.RestartDelay
	sessionOpts.NegotiateTimeout = cfg.Upstream.NegotiateTimeout
	orch := session.New(client, pipeline, session.HubPublisher{Hub: hub}, sessionOpts, logging.For("session"))
	defer orch.Close()

	opts = append(opts, server.WithSessions(orch, cfg.Transcriber(), cfg.Session.DeviceID))

	srv := server.New(server.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		KeepAlive: cfg.Server.KeepAliveInterval,
		Version:   version,
	}, hub, logging.For("server"), opts...)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	if cfg.Session.Autostart && src != nil {
		go func() {
			if err := orch.Start(ctx, cfg.Transcriber(), cfg.Session.DeviceID); err != nil {
				log.Warn().Str("message", session.UserMessage(err)).Msg("Autostart failed")
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}

	log.Info().Msg("Shutting down...")
	orch.Stop()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Forced shutdown")
	}
}

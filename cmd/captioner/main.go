// Command captioner captures audio, transcribes it upstream and posts each
// caption to a remote relay's /broadcast endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanullahtanweer/caption-relay/internal/audio"
	"github.com/amanullahtanweer/caption-relay/internal/config"
	"github.com/amanullahtanweer/caption-relay/internal/logging"
	"github.com/amanullahtanweer/caption-relay/internal/session"
	"github.com/amanullahtanweer/caption-relay/internal/transcriber"
)

func main() {
	var (
		configFile  string
		serverURL   string
		listDevices bool
	)
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.StringVar(&serverURL, "server", envOr("SERVER_URL", "http://localhost:8080"), "Relay base URL")
	flag.BoolVar(&listDevices, "devices", false, "List capture devices and exit")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		logging.Init("info", true)
		log := logging.For("main")
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.Log.Level, cfg.Log.Pretty)
	log := logging.For("main")

	src, release, err := audio.NewSource(cfg.Audio.Source, audio.SourceOptions{
		WAVPath:         cfg.Audio.WAVPath,
		WAVRealtime:     cfg.Audio.WAVRealtime,
		AudioSocketAddr: cfg.Audio.AudioSocketAddr,
	}, logging.For("audio"))
	if err != nil {
		log.Fatal().Err(err).Msg(session.UserMessage(err))
	}
	defer release()

	pipeline := audio.NewPipeline(src, logging.For("audio"))

	if listDevices {
		devices, err := pipeline.Devices()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list devices")
		}
		for _, d := range devices {
			fmt.Printf("%s\t%s\n", d.ID, d.Name)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := transcriber.NewClient(cfg.Upstream.APIURL, cfg.Upstream.NegotiateTimeout, logging.For("gladia"))
	publisher := session.NewHTTPPublisher(serverURL, 5*time.Second)

	finished := make(chan struct{}, 1)
	opts := session.DefaultOptions()
	opts.MaxAttempts = cfg.Session.ReconnectMaxAttempts
	opts.BaseDelay = cfg.Session.ReconnectBaseDelay
	opts.NegotiateTimeout = cfg.Upstream.NegotiateTimeout
	opts.OnChange = func(st session.Status) {
		if st.State == session.StateError || (st.State == session.StateIdle && st.Message == "Disconnected") {
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	}
	orch := session.New(client, pipeline, publisher, opts, logging.For("session"))
	defer orch.Close()

	log.Info().Str("server", serverURL).Str("source", cfg.Audio.Source).Msg("Starting captioner")
	if err := orch.Start(ctx, cfg.Transcriber(), cfg.Session.DeviceID); err != nil {
		log.Error().Err(err).Msg(session.UserMessage(err))
		return
	}

	select {
	case <-ctx.Done():
	case <-finished:
		log.Warn().Str("reason", orch.Status().Message).Msg("Session ended")
	}

	orch.Stop()
	if m := orch.Metrics(); m != nil {
		fmt.Print(m.Summary())
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

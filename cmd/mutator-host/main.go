package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldline/mutationplane/internal/config"
	"github.com/fieldline/mutationplane/internal/host"
	"github.com/fieldline/mutationplane/internal/ingest"
	"github.com/fieldline/mutationplane/internal/logging"
	"github.com/fieldline/mutationplane/internal/protocol/frame"
)

func main() {
	configPath := flag.String("config", "", "path to host config TOML")
	flag.Parse()

	logging.ConfigureRuntime()
	log := logging.Component("mutator-host")

	var cfg config.HostConfig
	if *configPath != "" {
		loaded, err := config.LoadHostConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load config")
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded config")
	}

	token, err := cfg.Parent.Token()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve auth token")
	}

	h := host.New(host.Options{
		ParentURL:        cfg.Parent.URL,
		AllowInsecureTLS: cfg.Parent.AllowInsecureTLS,
		Token:            token,
		Limits:           frame.Limits{MaxMessageBytes: cfg.Limits.MaxMessageBytes},
		Sink:             ingest.LogSink{Log: logging.Component("ingest")},
	})

	setter := host.NewValueMutator("demo-setter", "Pins the demo value.", 0)
	if _, err := h.RegisterMutator(setter); err != nil {
		log.Fatal().Err(err).Msg("failed to register mutator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.ConnectAndAuthenticate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to reach parent")
	}
	defer h.Close()

	adminErr := make(chan error, 1)
	if cfg.Admin.Addr != "" {
		go func() {
			adminErr <- host.ServeAdmin(ctx, h, host.AdminConfig{
				Addr:   cfg.Admin.Addr,
				APIKey: cfg.Admin.APIKey,
			})
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			log.Fatal().Err(err).Msg("host stopped")
		}
	case err := <-adminErr:
		if err != nil {
			log.Fatal().Err(err).Msg("admin server stopped")
		}
	}
	log.Info().Msg("host stopped")
}

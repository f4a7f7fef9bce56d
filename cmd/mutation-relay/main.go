package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldline/mutationplane/internal/auth"
	"github.com/fieldline/mutationplane/internal/config"
	"github.com/fieldline/mutationplane/internal/logging"
	"github.com/fieldline/mutationplane/internal/protocol/frame"
	"github.com/fieldline/mutationplane/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to relay config TOML")
	flag.Parse()

	logging.ConfigureRuntime()
	log := logging.Component("mutation-relay")

	cfg := config.RelayConfig{ListenAddr: ":14192"}
	if *configPath != "" {
		loaded, err := config.LoadRelayConfig(*configPath)
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

	svcCfg := relay.ServiceConfig{
		ListenAddr: cfg.ListenAddr,
		TLS: relay.TLSListenerConfig{
			Enabled:  cfg.TLS.Enabled,
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		},
		ParentURL:        cfg.Parent.URL,
		AllowInsecureTLS: cfg.Parent.AllowInsecureTLS,
		ParentToken:      token,
		AdminAddr:        cfg.AdminAddr,
		Broker: relay.BrokerConfig{
			RequestBuffer:   cfg.Broker.RequestBuffer,
			RootwardsBuffer: cfg.Broker.RootwardsBuffer,
			LeafwardsBuffer: cfg.Broker.LeafwardsBuffer,
		},
		Limits: frame.Limits{MaxMessageBytes: cfg.Limits.MaxMessageBytes},
	}

	// Children presenting this relay's own token connect directly;
	// anything else is denied.
	authority := relay.TokenAuthority{Direct: auth.StaticToken{Token: token}}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := relay.NewService(svcCfg, authority)
	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
	log.Info().Msg("relay stopped")
}

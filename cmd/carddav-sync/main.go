// Command carddav-sync runs one synchronization session between a CardDAV
// server and a local directory of .vcf files.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/davsync/carddav"
	"github.com/davsync/carddav/state"
	"github.com/davsync/carddav/transport"
	"github.com/davsync/carddav/vcfdir"
)

type config struct {
	Endpoint  string `env:"CARDDAV_ENDPOINT,required"`
	Username  string `env:"CARDDAV_USERNAME"`
	Password  string `env:"CARDDAV_PASSWORD,unset"`
	AccountID string `env:"CARDDAV_ACCOUNT_ID" envDefault:"default"`

	ContactsDir string `env:"CARDDAV_CONTACTS_DIR" envDefault:"contacts"`
	StateDir    string `env:"CARDDAV_STATE_DIR" envDefault:".carddav-state"`

	RelaxedContactURIs bool          `env:"CARDDAV_RELAXED_CONTACT_URIS"`
	Timeout            time.Duration `env:"CARDDAV_TIMEOUT" envDefault:"5m"`
	Debug              bool          `env:"CARDDAV_DEBUG"`
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Debug {
		log = log.Level(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Timeout)
	defer cancelTimeout()

	tc, err := transport.NewClient(cfg.Endpoint, transport.Options{
		Username: cfg.Username,
		Password: cfg.Password,
		Log:      &log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid endpoint")
	}

	store, err := vcfdir.Open(cfg.ContactsDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open contacts directory")
	}

	states, err := state.Open(cfg.StateDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store")
	}
	defer states.Close()

	syncer := carddav.NewSyncer(carddav.Config{
		AccountID:          cfg.AccountID,
		Transport:          tc,
		Storage:            store,
		States:             states,
		Log:                &log,
		RelaxedContactURIs: cfg.RelaxedContactURIs,
	})
	if err := syncer.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("sync failed")
	}
	log.Info().Str("account", cfg.AccountID).Msg("sync complete")
}

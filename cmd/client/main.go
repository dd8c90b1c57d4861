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
	"github.com/spf13/pflag"

	router "github.com/dkeye/roomclient/internal/adapters/http"
	"github.com/dkeye/roomclient/internal/adapters/rtc"
	sig "github.com/dkeye/roomclient/internal/adapters/signal"
	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/orch"
	"github.com/dkeye/roomclient/internal/config"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("bad flags")
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("client stopped")
		os.Exit(1)
	}
	log.Info().Msg("Client exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	conn, err := sig.Dial(ctx, sig.Options{
		URL:            cfg.GatewayURL,
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		ReadLimit:      cfg.ReadLimit,
		SendBuffer:     cfg.SendBuffer,
	})
	if err != nil {
		return err
	}

	engine, err := rtc.NewEngine(context.Background(), rtc.EngineOptions{
		ICEServers: cfg.ICEServers,
		Sinks:      rtc.CountingSinks,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}

	o := orch.New(conn, engine, app.LogDispatcher{}, orch.Options{
		Room:               domain.RoomID(cfg.Room),
		Display:            cfg.Display,
		KeepalivePeriod:    cfg.KeepalivePeriod,
		TransactionTimeout: cfg.TransactionTimeout,
		Auth:               protocol.Auth{Token: cfg.Token, APISecret: cfg.APISecret},
		Policy:             app.SimplePolicy{},
	})

	var srv *http.Server
	if cfg.StatusAddr != "" {
		srv = &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: router.SetupRouter(cfg, o),
		}
		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Msg("status endpoint started")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("status server error")
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(context.Background()) }()

	select {
	case err = <-runErr:
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := o.Close(closeCtx); cerr != nil {
			log.Warn().Err(cerr).Msg("session not closed cleanly")
		}
		closeCancel()
		err = <-runErr
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Error().Err(serr).Msg("Status server forced to shutdown")
		}
	}
	return err
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telechat/internal/api"
	"telechat/internal/backend"
	"telechat/internal/commands"
	"telechat/internal/config"
	"telechat/internal/http"
	"telechat/internal/logger"
	"telechat/internal/platform"
	"telechat/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("telechat", flag.ContinueOnError)
	signUp := flags.String("signup", "", "Create an account through the running server (email:password:username)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *signUp != "" {
		return commands.SignUp(*signUp, cfg)
	}

	log := logger.New(logger.Config{
		Level:  logger.Level(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})

	p, err := platform.Open(ctx, platform.Options{
		DBPath:      cfg.DBFile,
		StorageRoot: cfg.StorageRoot,
		BaseURL:     cfg.BaseURL,
		TokenExpiry: cfg.TokenExpiry,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	hub := ws.NewHub()
	connector := ws.ConnectorFunc(func(ctx context.Context, token string) (backend.Client, error) {
		return p.ConnectToken(ctx, token)
	})
	realtime := ws.NewServer(connector, hub, logger.Component(log, "ws"))
	apiHandlers := api.New(p, hub, logger.Component(log, "api"))
	apiServer := http.NewAPIServer(http.NewHandler(apiHandlers, realtime, cfg.StaticDir), hub, cfg.Addr, log)

	g, gCtx := errgroup.WithContext(ctx)

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}

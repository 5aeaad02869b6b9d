// ABOUTME: Entry point for the Resonate Duplex server
// ABOUTME: Loads config and the song catalogue, then serves until signalled
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/Resonate-Protocol/resonate-duplex/internal/config"
	"github.com/Resonate-Protocol/resonate-duplex/internal/logging"
	"github.com/Resonate-Protocol/resonate-duplex/internal/metrics"
	"github.com/Resonate-Protocol/resonate-duplex/internal/server"
	"github.com/Resonate-Protocol/resonate-duplex/internal/store"
	"github.com/Resonate-Protocol/resonate-duplex/internal/version"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/events"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
)

func main() {
	cmd := &cli.Command{
		Name:    "resonate-server",
		Usage:   "Serve playlists and audio to Resonate Duplex players",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "resonate-server.toml",
			},
			&cli.BoolFlag{
				Name:  "init",
				Usage: "Write an example configuration file and exit",
			},
			&cli.StringFlag{Name: "name", Usage: "Server friendly name"},
			&cli.StringFlag{Name: "control", Usage: "Control listener address"},
			&cli.StringFlag{Name: "stream", Usage: "Streaming listener address"},
			&cli.StringFlag{Name: "http", Usage: "Metrics and event feed address, empty disables"},
			&cli.BoolFlag{Name: "no-mdns", Usage: "Disable mDNS advertisement"},
			&cli.BoolFlag{Name: "no-tui", Usage: "Disable the dashboard, log to stdout"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-file", Usage: "Log file path"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal("server error", "err", err)
	}
}

func loadConfig(cmd *cli.Command) (*config.Server, error) {
	path := cmd.String("config")
	cfg := config.DefaultServer()
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.LoadServer(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if cmd.IsSet("config") {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	overrides := map[string]*string{
		"name":      &cfg.Server.Name,
		"control":   &cfg.Server.Control,
		"stream":    &cfg.Server.Stream,
		"http":      &cfg.Server.HTTP,
		"log-level": &cfg.Log.Level,
		"log-file":  &cfg.Log.File,
	}
	for flag, dst := range overrides {
		if cmd.IsSet(flag) {
			*dst = cmd.String(flag)
		}
	}
	if cmd.Bool("no-mdns") {
		cfg.Server.MDNS = false
	}
	if cfg.Server.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Server.Name = hostname + "-resonate-server"
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("init") {
		path := cmd.String("config")
		if err := config.CreateServerFile(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	useTUI := !cmd.Bool("no-tui")

	out, closer, err := logging.Output(cfg.Log.File, !useTUI)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger := logging.New(out, cfg.Log.Level)
	logger.Info("starting", "version", version.String(), "name", cfg.Server.Name)

	cert, created, err := cfg.Certificate("localhost", "127.0.0.1")
	if err != nil {
		return err
	}
	if created {
		logger.Info("generated certificate", "cert", cfg.Server.CertFile, "key", cfg.Server.KeyFile)
	}

	lib := reconcile.NewLibrary()
	catalogue := store.New(cfg.Library.File, logger)
	if err := catalogue.Load(lib); err != nil {
		return err
	}
	logger.Info("library loaded", "path", catalogue.Path(), "songs", len(lib.Songs()), "playlists", len(lib.Snapshot()))

	bus := events.New()
	defer bus.Close()

	srv, err := server.New(server.Config{
		Name:            cfg.Server.Name,
		ControlAddr:     cfg.Server.Control,
		StreamAddr:      cfg.Server.Stream,
		HTTPAddr:        cfg.Server.HTTP,
		Certificate:     cert,
		Identities:      cfg.Server.Identities,
		IdentityTimeout: cfg.Limits.IdentityTimeout.Duration,
		AttachTimeout:   cfg.Limits.AttachTimeout.Duration,
		RequestRate:     rate.Limit(cfg.Limits.RequestRate),
		RequestBurst:    cfg.Limits.RequestBurst,
		Library:         lib,
		Auth:            server.NewStaticAuth(cfg.Auth.Users, cfg.Auth.AllowRegister),
		Media:           server.NewMedia(cfg.Library.MediaRoot, logger),
		EnableMDNS:      cfg.Server.MDNS,
		Events:          bus,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go metrics.Observe(ctx, bus)

	if err := srv.Start(); err != nil {
		return err
	}

	if useTUI {
		dash := server.NewDashboard(srv)
		go func() {
			if err := dash.Run(); err != nil {
				logger.Error("dashboard exited", "err", err)
			}
		}()
		select {
		case <-ctx.Done():
			dash.Stop()
		case <-dash.QuitChan():
		}
	} else {
		logger.Info("press Ctrl-C to stop")
		<-ctx.Done()
	}

	logger.Info("shutting down")
	if err := srv.Close(); err != nil {
		logger.Warn("close", "err", err)
	}
	// playlist edits made by players survive a restart
	if err := catalogue.Save(lib); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

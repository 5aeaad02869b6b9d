// ABOUTME: Entry point for the Resonate Duplex player
// ABOUTME: Loads the TOML config, applies flag overrides and runs the player application
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/Resonate-Protocol/resonate-duplex/internal/app"
	"github.com/Resonate-Protocol/resonate-duplex/internal/config"
	"github.com/Resonate-Protocol/resonate-duplex/internal/logging"
	"github.com/Resonate-Protocol/resonate-duplex/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:    "resonate-player",
		Usage:   "Play music from a Resonate Duplex server",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "resonate-player.toml",
			},
			&cli.BoolFlag{
				Name:  "init",
				Usage: "Write an example configuration file and exit",
			},
			&cli.StringFlag{Name: "control", Usage: "Control channel address (host:port)"},
			&cli.StringFlag{Name: "stream", Usage: "Streaming channel address (host:port)"},
			&cli.StringFlag{Name: "fingerprint", Usage: "Pinned server certificate fingerprint (hex)"},
			&cli.StringFlag{Name: "user", Usage: "Account name"},
			&cli.StringFlag{Name: "password", Usage: "Account password"},
			&cli.StringFlag{Name: "sink", Usage: "Audio output: malgo, oto or discard"},
			&cli.BoolFlag{
				Name:    "no-tui",
				Aliases: []string{"stream-logs"},
				Usage:   "Disable TUI, use streaming logs instead",
			},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-file", Usage: "Log file path"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal("player error", "err", err)
	}
}

func loadConfig(cmd *cli.Command) (*config.Player, error) {
	path := cmd.String("config")
	cfg := config.DefaultPlayer()
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.LoadPlayer(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if cmd.IsSet("config") {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	overrides := map[string]*string{
		"control":     &cfg.Server.Control,
		"stream":      &cfg.Server.Stream,
		"fingerprint": &cfg.Server.Fingerprint,
		"user":        &cfg.Account.User,
		"password":    &cfg.Account.Password,
		"sink":        &cfg.Playback.Sink,
		"log-level":   &cfg.Log.Level,
		"log-file":    &cfg.Log.File,
	}
	for flag, dst := range overrides {
		if cmd.IsSet(flag) {
			*dst = cmd.String(flag)
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("init") {
		path := cmd.String("config")
		if err := config.CreatePlayerFile(path); err != nil {
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

	// TUI mode logs only to the file
	out, closer, err := logging.Output(cfg.Log.File, !useTUI)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger := logging.New(out, cfg.Log.Level)
	logger.Info("starting", "version", version.String(), "tui", useTUI)

	player, err := app.New(cfg, useTUI, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = player.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("player stopped")
	return err
}

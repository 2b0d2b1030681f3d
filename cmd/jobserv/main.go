package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/jobserv/internal/config"
	"git.home.luguber.info/inful/jobserv/internal/daemon"
	jerrors "git.home.luguber.info/inful/jobserv/internal/errors"
	"git.home.luguber.info/inful/jobserv/internal/pipeline"
	"git.home.luguber.info/inful/jobserv/internal/secrets"
)

// Set at build time with: -ldflags "-X main.version=1.0.0"
var version = "dev"

// Root CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"jobserv.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve  ServeCmd  `cmd:"" help:"Run the API server and background monitors"`
	Check  CheckCmd  `cmd:"" help:"Validate a project definition file"`
	Keygen KeygenCmd `cmd:"" help:"Generate a secrets vault key"`
}

// ServeCmd implements the 'serve' command.
type ServeCmd struct{}

func (s *ServeCmd) Run(cli *CLI, logger *slog.Logger) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, cli.Config, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// CheckCmd implements the 'check' command.
type CheckCmd struct {
	File string `arg:"" help:"Project definition YAML file"`
}

func (c *CheckCmd) Run(cli *CLI, logger *slog.Logger) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	if _, err := pipeline.Parse(data); err != nil {
		var jse *jerrors.JobServError
		if errors.As(err, &jse) {
			for _, msg := range jse.Messages {
				fmt.Fprintln(os.Stderr, msg)
			}
		}
		return fmt.Errorf("%s is not a valid project definition", c.File)
	}
	fmt.Printf("%s: OK\n", c.File)
	return nil
}

// KeygenCmd implements the 'keygen' command.
type KeygenCmd struct{}

func (k *KeygenCmd) Run(cli *CLI, logger *slog.Logger) error {
	key, err := secrets.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func main() {
	cli := &CLI{}
	parser := kong.Parse(cli,
		kong.Description("JobServ: a distributed build-and-test job server."),
		kong.Vars{"version": version},
	)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := parser.Run(cli, logger); err != nil {
		logger.Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

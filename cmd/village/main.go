package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	bootLogger := zerolog.New(output).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "village",
		Usage: "rental marketplace reservation service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config",
				EnvVars: []string{"VILLAGE_CONFIG_PATH"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			exportCommand(),
			trendingCommand(),
			backupCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		bootLogger.Error().Err(err).Msg("village exited")
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"account-sync/internal/config"
)

type metadata struct {
	config  config.Config
	logger  *logrus.Logger
	verbose bool
	e       io.Writer
	w       io.Writer
}

var version = "zero"

func main() {
	app := cli.NewApp()
	app.Name = "accountctl"
	app.Usage = "inspect and maintain the shared account registry"
	app.Version = version
	app.HideVersion = true

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " log registry activity to stderr",
		},
		cli.StringFlag{
			Name:  "backend, b",
			Value: "",
			Usage: " store `BACKEND` [sqlite|redis|memory] (default from config)",
		},
		cli.StringFlag{
			Name:  "db, d",
			Value: "",
			Usage: " sqlite database `PATH` (default from config)",
		},
		cli.StringFlag{
			Name:  "origin, o",
			Value: "",
			Usage: " instance `ID` written into change notifications",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "register",
			Usage:     "register an account or refresh an existing one",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "username, u",
					Usage: "*account `NAME`",
				},
				cli.StringFlag{
					Name:  "email, e",
					Usage: "*contact `EMAIL`",
				},
				cli.Float64Flag{
					Name:  "balance",
					Usage: " wallet `AMOUNT`",
				},
				cli.Float64Flag{
					Name:  "game-balance",
					Usage: " game wallet `AMOUNT`",
				},
				cli.StringFlag{
					Name:  "status, s",
					Usage: " account `STATUS` [active|suspended|closed]",
				},
			},
			Action: runRegister,
		},
		{
			Name:   "list",
			Usage:  "print the merged account view",
			Action: runList,
		},
		{
			Name:      "merge",
			Usage:     "merge account records from a JSON array file",
			ArgsUsage: "FILE",
			Action:    runMerge,
		},
		{
			Name:   "sync",
			Usage:  "fold legacy partitions into the registry",
			Action: runSync,
		},
		{
			Name:   "status",
			Usage:  "show per-partition counts and sync state",
			Action: runStatus,
		},
		{
			Name:   "watch",
			Usage:  "print the account view whenever another instance changes it",
			Action: runWatch,
		},
		{
			Name:      "hash-password",
			Usage:     "print the bcrypt hash for an admin password",
			ArgsUsage: "PASSWORD",
			Action:    runHashPassword,
		},
	}

	app.Before = func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if backend := c.GlobalString("backend"); backend != "" {
			cfg.Store.Backend = backend
		}
		if db := c.GlobalString("db"); db != "" {
			cfg.Store.SQLite.Path = db
		}
		if origin := c.GlobalString("origin"); origin != "" {
			cfg.Store.Origin = origin
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		verbose := c.GlobalBool("verbose")
		logger := logrus.New()
		logger.SetOutput(c.App.ErrWriter)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if !verbose {
			logger.SetLevel(logrus.WarnLevel)
		}

		c.App.Metadata["config"] = &metadata{
			config:  cfg,
			logger:  logger,
			verbose: verbose,
			e:       c.App.ErrWriter,
			w:       c.App.Writer,
		}
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

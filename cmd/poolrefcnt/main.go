package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/poolrefcnt/poolrefcnt/cmd/poolrefcnt/pkg/app"
	"github.com/poolrefcnt/poolrefcnt/cmd/poolrefcnt/pkg/command"
	"github.com/poolrefcnt/poolrefcnt/cmd/poolrefcnt/pkg/logging"
	"github.com/poolrefcnt/poolrefcnt/config"
	"github.com/poolrefcnt/poolrefcnt/pkg/utils/signals"
)

func main() {
	flags := command.NewFlags()
	cliApp := &cli.App{
		Name:                   "poolrefcnt",
		Usage:                  "pool reference-count maintenance engine",
		UseShortOptionHandling: true,
		Flags:                  flags.F,
		Action: func(c *cli.Context) error {
			if err := logging.SetUp(flags.Args.LogLevel, flags.Args.Verbosity); err != nil {
				return errors.Wrap(err, "failed to set up logging")
			}

			var cfg config.Config
			if err := command.Validate(flags.Args, &cfg); err != nil {
				return errors.Wrap(err, "invalid argument")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stop := signals.SetupSignalHandler()
			go func() {
				<-stop
				logrus.Warn("signal received, finishing in-flight shard/host unit before exiting")
				cancel()
			}()

			errorCount, err := app.Run(ctx, flags.Args, &cfg)
			if err != nil {
				return err
			}
			if errorCount != 0 {
				return errors.Errorf("maintenance pass completed with %d error(s)", errorCount)
			}
			return nil
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logrus.WithError(err).Error("poolrefcnt failed")
		os.Exit(1)
	}
}

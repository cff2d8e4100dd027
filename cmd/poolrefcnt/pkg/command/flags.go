// Package command builds the poolrefcnt CLI's flag surface and
// validates the resulting argument combinations, folding them into a
// config.Config.
package command

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/poolrefcnt/poolrefcnt/config"
)

// Args holds every flag value, destined for further validation and
// translation into the values HostReconciler/PoolAggregator/Cleaner
// actually take.
type Args struct {
	ConfigPath   string
	Host         string
	GlobalMode   bool
	ForceRebuild bool
	CleanPool    bool
	ShowStats    bool
	ShardRange   string
	Phase        int
	Parallelism  int
	Quiet        bool
	Verbosity    int
	LogLevel     string
	MetricsAddr  string
	HistoryTail  int
}

// Flags bundles the parsed destination struct with the cli.Flag slice
// an app.Run call consumes.
type Flags struct {
	Args *Args
	F    []cli.Flag
}

func buildFlags(args *Args) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Value:       "/etc/poolrefcnt/config.json",
			Usage:       "path to the JSON config file",
			Destination: &args.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "h",
			Usage:       "single-host mode: reconcile this host only",
			Destination: &args.Host,
		},
		&cli.BoolFlag{
			Name:        "m",
			Usage:       "global mode: aggregate (and optionally clean) across the pool",
			Destination: &args.GlobalMode,
		},
		&cli.BoolFlag{
			Name:        "f",
			Usage:       "force a walk-based rebuild instead of an incremental merge",
			Destination: &args.ForceRebuild,
		},
		&cli.BoolFlag{
			Name:        "c",
			Usage:       "single-host mode: compare rebuilt counts to existing ones; global mode: run the pool cleaner",
			Destination: &args.CleanPool,
		},
		&cli.BoolFlag{
			Name:        "s",
			Usage:       "print per-shard stats (implied when -c runs in global mode)",
			Destination: &args.ShowStats,
		},
		&cli.StringFlag{
			Name:        "r",
			Usage:       "restrict the shard range, as N-M with 0<=N<=M<=255",
			Destination: &args.ShardRange,
		},
		&cli.IntFlag{
			Name:        "P",
			Usage:       "full-scan phase, 0-15",
			Destination: &args.Phase,
		},
		&cli.IntFlag{
			Name:        "j",
			Value:       1,
			Usage:       "bounded parallelism across hosts or shards",
			Destination: &args.Parallelism,
		},
		&cli.BoolFlag{
			Name:        "p",
			Usage:       "suppress progress lines",
			Destination: &args.Quiet,
		},
		&cli.BoolFlag{
			Name:  "v",
			Usage: "raise the default info log level; repeat (-v -v, or bundled -vv) to reach trace",
			Count: &args.Verbosity,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "explicit log level [trace, debug, info, warn, error, fatal, panic], overrides -v",
			Destination: &args.LogLevel,
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "if set, additionally serve Prometheus /metrics on HOST:PORT",
			Destination: &args.MetricsAddr,
		},
		&cli.IntFlag{
			Name:        "history-tail",
			Usage:       "if set, print the last N pass history records and exit",
			Destination: &args.HistoryTail,
		},
	}
}

// NewFlags allocates an Args and its matching cli.Flag slice.
func NewFlags() *Flags {
	var args Args
	return &Flags{Args: &args, F: buildFlags(&args)}
}

// Validate checks the flag combination and loads the JSON config file
// before handing control to the app.
func Validate(args *Args, cfg *config.Config) error {
	if args.Host == "" && !args.GlobalMode && args.HistoryTail == 0 {
		return errors.New("one of -h HOST or -m is required")
	}
	if args.Host != "" && args.GlobalMode {
		return errors.New("-h and -m are mutually exclusive")
	}

	if err := config.LoadConfig(args.ConfigPath, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	hosts, err := config.LoadHosts(cfg.TopDir)
	if err != nil {
		return errors.Wrap(err, "load host list")
	}
	cfg.Hosts = hosts

	return nil
}

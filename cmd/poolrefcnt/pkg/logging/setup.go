// Package logging sets up logrus for a short-lived CLI invocation: a
// parsed level, a structured formatter, nothing more.
package logging

import (
	"github.com/sirupsen/logrus"
)

const defaultLevel = logrus.InfoLevel

// SetUp installs logrus's level and formatter for a short-lived CLI
// invocation logging to stderr. logLevel, when non-empty, is parsed
// directly and takes precedence; otherwise the level escalates from
// defaultLevel by verbosity steps (1 reaches debug, 2 or more reaches
// trace), matching repeated or bundled -v flags.
func SetUp(logLevel string, verbosity int) error {
	lvl := defaultLevel
	if logLevel != "" {
		parsed, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		lvl = parsed
	} else {
		lvl = escalate(defaultLevel, verbosity)
	}

	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}

// escalate raises base by n steps towards trace, the most verbose
// logrus.Level. logrus orders levels with higher values more verbose,
// so this is a simple bounded addition.
func escalate(base logrus.Level, n int) logrus.Level {
	lvl := int(base) + n
	if lvl > int(logrus.TraceLevel) {
		lvl = int(logrus.TraceLevel)
	}
	return logrus.Level(lvl)
}

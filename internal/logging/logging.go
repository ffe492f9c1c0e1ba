// Package logging configures the process-wide logrus logger from the
// `log:` config block and hands out per-component loggers.
package logging

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup applies the configured level and timestamp policy to the standard
// logrus logger. Level accepts trace|debug|info|warn|error; empty means info.
func Setup(level string, timestamp bool) error {
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    timestamp,
		DisableTimestamp: !timestamp,
	})
	return nil
}

// Component returns a logger entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

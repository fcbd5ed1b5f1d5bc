package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines hypervisor logging configuration.
type Config struct {
	// Log level, e.g. INFO, ERROR etc
	Level string
	// Logging format, either text or json
	Format string
}

func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return errors.Errorf("unknown log level: %s", c.Level)
	}
	if !validLogFormats[c.Format] {
		return errors.Errorf("unknown log format: %s. Valid formats are text and json", c.Format)
	}
	return nil
}

// Configure applies the supplied config to the standard logrus logger.
func Configure(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	level, _ := logrus.ParseLevel(strings.ToLower(c.Level))
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
	if c.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	}
	return nil
}

// Package logging holds the process-wide structured logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger is replaced by InitLogger; it discards everything until then
var Logger = zap.NewNop()

// InitLogger initializes the structured logger.
// format "json" selects the production encoder, anything else the console one.
func InitLogger(level string, format string) error {
	var config zap.Config
	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	if level == "" {
		level = "info"
	}
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	config.Level = atomic

	// Disable caller and stack trace for cleaner logs
	config.DisableCaller = true
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// LogHostWarning logs a host that could not be collected
func LogHostWarning(source, class string, err error) {
	Logger.Warn("host unreachable",
		zap.String("source", source),
		zap.String("class", class),
		zap.Error(err),
	)
}

// LogProviderMiss logs a best-effort provider lookup that produced nothing
func LogProviderMiss(provider, key string, err error) {
	Logger.Debug("provider miss",
		zap.String("provider", provider),
		zap.String("key", key),
		zap.Error(err),
	)
}

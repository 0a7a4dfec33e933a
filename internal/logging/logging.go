// Package logging builds the zap logger from configuration.
package logging

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/config"
)

// New builds a logger. Development mode uses zap's development defaults
// (console output, stack traces on warnings).
func New(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		zc.Level = level
	}
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	return logger, nil
}

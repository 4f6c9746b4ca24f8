// Package logging builds the process logger.
package logging

import (
	"fmt"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
)

const (
	// HumanFormat is the colored console output used by default
	HumanFormat = "human"
	// JSONFormat emits one JSON object per line
	JSONFormat = "json"
)

// New builds a logger for format and level and routes klog output, as emitted by
// client-go, through it.
func New(format, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch format {
	case HumanFormat, "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case JSONFormat:
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("log format %q not recognized, use %s or %s", format, HumanFormat, JSONFormat)
	}

	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.Level = lvl
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	klog.SetLogger(zapr.NewLogger(logger.Named("klog")))
	return logger, nil
}

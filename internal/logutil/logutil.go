// Package logutil builds the process slog.Logger from viper settings.
package logutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type loggerConfig struct {
	Level     string
	Format    string
	AddSource bool
}

var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// LoggerFromViper reads logging.level, logging.format and logging.add_source.
// --trace lowers the level to debug unless a level was set explicitly.
func LoggerFromViper() (*slog.Logger, error) {
	cfg := loggerConfig{
		Level:     viper.GetString("logging.level"),
		Format:    viper.GetString("logging.format"),
		AddSource: viper.GetBool("logging.add_source"),
	}
	if viper.GetBool("trace") && !viper.IsSet("logging.level") {
		cfg.Level = "debug"
	}
	return buildLogger(cfg, os.Stderr)
}

func buildLogger(cfg loggerConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseSlogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	if format != "" && format != "text" {
		return nil, fmt.Errorf("logging.format %q: want text or json", cfg.Format)
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseSlogLevel(s string) (slog.Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level %q: want debug, info, warn or error", s)
}

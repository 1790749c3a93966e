// Package logger provides structured logging shared across every Lithium
// component. A single *Logger is constructed at process startup and passed
// explicitly into each subsystem; nothing here is a package-level global.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with Lithium's component-tagging convention.
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level      string // trace|debug|info|warn|error
	Format     string // json|text
	Output     string // stdout|file
	FilePrefix string // used when Output == "file"
}

// New builds a Logger from an explicit Config.
func New(cfg Config) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "lithiumd"
		}
		if err := os.MkdirAll("logs", 0o755); err != nil {
			logger.Errorf("create log directory: %v", err)
			break
		}
		path := filepath.Join("logs", prefix+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Errorf("open log file %s: %v", path, err)
			break
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		logger.SetOutput(os.Stdout)
	}

	return &Logger{Logger: logger}
}

// NewFromEnv builds a Logger from LITH_LOG_LEVEL / LITH_LOG_FORMAT / LITH_LOG_OUTPUT,
// defaulting to info/json/stdout.
func NewFromEnv() *Logger {
	return New(Config{
		Level:  envOr("LITH_LOG_LEVEL", "info"),
		Format: envOr("LITH_LOG_FORMAT", "json"),
		Output: envOr("LITH_LOG_OUTPUT", "stdout"),
	})
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Component returns a child entry tagged with the owning component's name,
// e.g. log.Component("configstore").Info("loaded profile").
func (l *Logger) Component(name string) *logrus.Entry {
	return l.Logger.WithField("component", name)
}

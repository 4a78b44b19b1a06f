// Package logger wraps logrus with context-scoped loggers and a fixed set of
// field names shared by the HTTP layer and the broadcast engine.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps logrus.Entry so callers can carry pre-populated fields around.
type Logger struct {
	*logrus.Entry
}

// Fields is an alias for logrus.Fields.
type Fields = logrus.Fields

// Standard field names.
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldOwnerID   = "owner_id"
	FieldComponent = "component"
	FieldPageID    = "page_id"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldCount     = "count"
)

type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	File        string // optional rotating log file
	Output      io.Writer
	ServiceName string
}

// New builds a Logger. An unknown level falls back to info; File, when set,
// tees output into a rotating file.
func New(cfg Config) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.File != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		})
	}
	log.SetOutput(out)

	name := cfg.ServiceName
	if name == "" {
		name = "pagecast"
	}
	return &Logger{Entry: log.WithField("service", name)}
}

// Discard returns a logger that writes nowhere. Used by tests.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: "error"})
}

// With returns a child logger carrying the extra fields.
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Entry: l.Entry.WithField(FieldComponent, name)}
}

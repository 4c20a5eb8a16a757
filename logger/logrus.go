package logger

import (
	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/leafdb"
)

// Logrus wraps a logrus.Logger to implement leafdb.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a leafdb.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) leafdb.Logger {
	return &Logrus{logger: logger}
}

func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Error(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Warn(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Info(msg)
}

func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2)
	pairs(args, func(key string, value any) { f[key] = value })
	return f
}

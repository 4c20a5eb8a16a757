package logger

import (
	"go.uber.org/zap"

	"github.com/alexhholmes/leafdb"
)

// Zap wraps a zap.Logger to implement leafdb.Logger.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates a leafdb.Logger from a zap.Logger.
func NewZap(logger *zap.Logger) leafdb.Logger {
	return &Zap{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (z *Zap) Error(msg string, args ...any) {
	z.logger.Error(msg, zapFields(args)...)
}

func (z *Zap) Warn(msg string, args ...any) {
	z.logger.Warn(msg, zapFields(args)...)
}

func (z *Zap) Info(msg string, args ...any) {
	z.logger.Info(msg, zapFields(args)...)
}

func zapFields(args []any) []zap.Field {
	out := make([]zap.Field, 0, (len(args)+1)/2)
	pairs(args, func(key string, value any) { out = append(out, zap.Any(key, value)) })
	return out
}

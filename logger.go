package leafdb

// Logger receives the database's operational events: recovery summaries,
// dropped WAL tails, failed checkpoints. Its method set matches *slog.Logger,
// and the logger module carries zap and logrus adapters.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger is the default logger that compiles to a no-op
type DiscardLogger struct{}

func (DiscardLogger) Error(string, ...any) {}

func (DiscardLogger) Warn(string, ...any) {}

func (DiscardLogger) Info(string, ...any) {}

// componentLogger tags every event with the subsystem that raised it.
type componentLogger struct {
	Logger
	component string
}

func withComponent(l Logger, component string) Logger {
	return componentLogger{Logger: l, component: component}
}

func (c componentLogger) Error(msg string, args ...any) {
	c.Logger.Error(msg, append([]any{"component", c.component}, args...)...)
}

func (c componentLogger) Warn(msg string, args ...any) {
	c.Logger.Warn(msg, append([]any{"component", c.component}, args...)...)
}

func (c componentLogger) Info(msg string, args ...any) {
	c.Logger.Info(msg, append([]any{"component", c.component}, args...)...)
}

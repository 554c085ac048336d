package logger

import "github.com/robfig/cron/v3"

// CronLogger adapts Logger to robfig/cron's Logger interface.
// Cron's own info messages are noisy (every wake-up), so they go to debug.
type CronLogger struct {
	log *Logger
}

var _ cron.Logger = CronLogger{}

// ForCron wraps l for use with cron.WithLogger.
func ForCron(l *Logger) CronLogger {
	return CronLogger{log: l}
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.slog.Debug(msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.slog.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

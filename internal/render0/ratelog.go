package render0

import (
	"time"

	"golang.org/x/time/rate"

	"render0/internal/logger"
)

// rateLimitedLogger emits at most one warning per interval and drops the rest.
type rateLimitedLogger struct {
	log       logger.Logger
	sometimes rate.Sometimes
}

func newRateLimitedLogger(log logger.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, sometimes: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...logger.Field) {
	l.sometimes.Do(func() {
		l.log.Warn(msg, fields...)
	})
}

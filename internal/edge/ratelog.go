package edge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger lets at most one event through per interval. Suppressed
// calls return a nil *zerolog.Event, on which every method is a no-op.
type rateLimitedLogger struct {
	log zerolog.Logger

	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return false
	}
	l.lastAt = now
	return true
}

func (l *rateLimitedLogger) Info() *zerolog.Event {
	if !l.allow() {
		return nil
	}
	return l.log.Info()
}

func (l *rateLimitedLogger) Warn() *zerolog.Event {
	if !l.allow() {
		return nil
	}
	return l.log.Warn()
}

// ABOUTME: Rate-limited warnings for floods of bad packets
// ABOUTME: Counts suppressed events and reports them with the next one logged
package logging

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limited logs at most a few events per interval.
type Limited struct {
	log        logrus.FieldLogger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimited allows burst events at once and one per interval after that.
func NewLimited(log logrus.FieldLogger, interval time.Duration, burst int) *Limited {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Limited{log: log, limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Warn logs msg with fields unless the limit is exhausted. It reports
// whether the event was logged.
func (l *Limited) Warn(fields logrus.Fields, msg string) bool {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return false
	}
	entry := l.log.WithFields(fields)
	if n := l.suppressed.Swap(0); n > 0 {
		entry = entry.WithField("suppressed", n)
	}
	entry.Warn(msg)
	return true
}

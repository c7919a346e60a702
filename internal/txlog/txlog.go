// Package txlog emits one structured trace line per sponsored
// transaction, for offline auditing of what the station signed.
package txlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger writes transaction trace records as JSON lines. A disabled
// logger drops everything, so callers never need to gate on it.
type Logger struct {
	enabled bool
	zl      zerolog.Logger
	host    string
	now     func() time.Time
}

// New builds a transaction logger writing to w. Records carry the
// emitting host name so aggregated logs stay attributable.
func New(enabled bool, w io.Writer) *Logger {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Logger{
		enabled: enabled,
		zl:      zerolog.New(w),
		host:    host,
		now:     time.Now,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(false, io.Discard)
}

func (l *Logger) Enabled() bool { return l.enabled }

// LogTransaction writes one trace record with the given details
// payload, typically the decoded transaction plus reservation context.
func (l *Logger) LogTransaction(details interface{}) {
	if !l.enabled {
		return
	}
	l.zl.Log().
		Int64("timestamp", l.now().Unix()).
		Str("level", "trace").
		Str("host", l.host).
		Interface("details", details).
		Msg("transaction data")
}

// Package logger provides structured logging and the audit trail for docsync
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human readable console output
	Output io.Writer
}

// New creates the root logger
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "docsync").
		Logger()
}

// Nop discards everything; used by tests
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Component returns a sub-logger tagged with the component name
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Audit outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one security or durability relevant occurrence
type AuditEvent struct {
	Action     string // authenticate, flush, reset_connections...
	UserID     string
	DocumentID string
	CanEdit    bool
	Path       string // credential path, when relevant
	RemoteAddr string
	Outcome    string
	Err        error
}

// Audit writes an audit entry. Failures are logged at warn, everything else
// at info, so the trail survives the default level.
func Audit(l zerolog.Logger, ev AuditEvent) {
	e := l.Info()
	if ev.Outcome == OutcomeFailure {
		e = l.Warn()
	}
	e = e.Str("event", "audit").
		Str("action", ev.Action).
		Str("user_id", ev.UserID).
		Str("document_id", ev.DocumentID).
		Bool("can_edit", ev.CanEdit).
		Str("outcome", ev.Outcome)
	if ev.Path != "" {
		e = e.Str("path", ev.Path)
	}
	if ev.RemoteAddr != "" {
		e = e.Str("remote_addr", ev.RemoteAddr)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg("audit")
}

// Package logging defines the structured-logging interface used across
// gophtrust: the server, the credential watcher and drainer, the token
// family tracker and the migration CLI all take a Logger and derive a child
// with With("module", ...). The production implementation wraps log/slog
// with a JSON handler; tests and optional loggers use the discard variant.
package logging

import "context"

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key–value pairs, e.g.:
//
//	log.Info(ctx, "credential rotated", "username", cred.Username)
type Logger interface {
	// Debug logs verbose diagnostics, disabled in production by default.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs a warning message for unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs an error message for failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key–value pairs.
	With(args ...any) Logger
}

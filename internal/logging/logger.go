// Package logging is the structured-logging facade shared by the storage
// engine, its backends and the HTTP layer.
package logging

import "context"

// Logger takes a message plus alternating key/value pairs:
//
//	log.Info(ctx, "collection committed", "user", uid, "collection", c, "version", v)
type Logger interface {
	// Debug is for per-attempt detail, such as a retried CAS conflict.
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	// Error is reserved for failures an operator has to look at, such as
	// a corrupt document.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that adds args to every record.
	With(args ...any) Logger
}

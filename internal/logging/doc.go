// Package logging provides structured, rotating file logging for voxcore.
// Logs are written as JSON via log/slog to ~/.voxcore/logs/server.log, with
// an optional stderr tee for foreground runs.
package logging

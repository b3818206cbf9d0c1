// Package logx is the structured logger used across changenotify.
//
// Logger wraps zerolog with typed Field helpers and a short file:line caller.
// Service owns the sinks (stderr console or JSON, optional JSON file) and can
// swap them at runtime when the logging section of the config changes; loggers
// derived from it follow the swap.
package logx

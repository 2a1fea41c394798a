// Package logx wraps zerolog behind a small structured-logging API used by
// every component of mcman.
//
// A Logger created from a Service stays live across Service.Apply() calls, so
// sinks and levels can change at runtime without re-plumbing loggers through
// the app. The zero Logger value is a safe no-op.
package logx

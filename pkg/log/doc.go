// Package log provides structured logging for all vault components.
//
// It wraps zerolog behind a small surface: Init configures the global
// logger once at startup, and WithComponent/WithPersona create child
// loggers carrying the standard fields the rest of the codebase filters
// on. Services hold a child logger rather than calling the package-level
// helpers so log lines stay attributable.
package log

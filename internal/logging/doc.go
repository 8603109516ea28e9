// Package logging provides concrete implementations of the txloop.Logger interface.
//
// Available implementations:
//   - ConsoleLogger: slog records rendered by a tint handler (colour on terminals only)
//   - NullLogger: Discards all messages (useful for testing)
//
// All logger implementations are safe for concurrent use by multiple goroutines.
package logging

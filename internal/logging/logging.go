// Package logging builds the single zap.Logger threaded through the
// process; nothing in this module keeps a package-level logger of its own.
package logging

import "go.uber.org/zap"

// New builds a production or development zap.Logger depending on env.
// dev=true gets human-readable console output; dev=false gets JSON.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Nop returns a no-op logger, used as the zero-value default so callers
// never need a nil check.
func Nop() *zap.Logger {
	return zap.NewNop()
}

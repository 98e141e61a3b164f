//go:build !linux

package engine

import "log/slog"

// NewMediaProvider on platforms without a capture stack always returns the
// null provider; the engine selected from it is the disabled one.
func NewMediaProvider(disabled bool, log *slog.Logger) MediaProvider {
	if log != nil && !disabled {
		log.Warn("no media capture stack on this platform")
	}
	return disabledProvider{}
}

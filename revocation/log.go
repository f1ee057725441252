package revocation

import "github.com/btcsuite/btclog"

// log is this subsystem's logger, following the per-package
// btclog.Logger + UseLogger convention used throughout the stack (see
// breacharbiter.go and its sibling subsystems). Disabled until the
// daemon's logging setup calls UseLogger.
var log btclog.Logger

func init() {
	DisableLog()
}

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

package daemon

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/re-vault/revault-demo/chainwatcher"
	"github.com/re-vault/revault-demo/cosign"
	"github.com/re-vault/revault-demo/revocation"
	"github.com/re-vault/revault-demo/script"
	"github.com/re-vault/revault-demo/sigexchange"
	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/spend"
	"github.com/re-vault/revault-demo/txgraph"
	"github.com/re-vault/revault-demo/vault"
)

// backendLog is the rotating-file log backend every subsystem logger is
// carved out of, following the teacher's pattern of one logrotate.Rotator
// writer feeding a single btclog.Backend.
var backendLog = btclog.NewBackend(logWriter{})

var logRotator *rotator.Rotator

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var daemonLog = backendLog.Logger("DAEM")

// subsystemLoggers maps each package's four-letter log tag to the
// UseLogger hook it exposes, mirroring the teacher's log.go central
// registry of subsystems.
var subsystemLoggers = map[string]func(btclog.Logger){
	"VLTR": vault.UseLogger,
	"SCRB": script.UseLogger,
	"TXFC": txgraph.UseLogger,
	"SIGN": sign.UseLogger,
	"REVO": revocation.UseLogger,
	"CHWT": chainwatcher.UseLogger,
	"SPND": spend.UseLogger,
	"SIGX": sigexchange.UseLogger,
	"COSG": cosign.UseLogger,
}

// InitLogRotator opens (creating if necessary) the rotating log file at
// logFile and begins diverting writes to it in addition to stdout.
func InitLogRotator(logFile string) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return err
	}
	logRotator = r
	return nil
}

// SetLogLevels parses a btclog level name and applies it to every
// registered subsystem logger plus the daemon's own.
func SetLogLevels(levelName string) {
	level, ok := btclog.LevelFromString(levelName)
	if !ok {
		level = btclog.LevelInfo
	}

	daemonLog.SetLevel(level)
	for tag, use := range subsystemLoggers {
		logger := backendLog.Logger(tag)
		logger.SetLevel(level)
		use(logger)
	}
}

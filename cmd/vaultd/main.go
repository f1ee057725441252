// vaultd runs one stakeholder's vault daemon: registry, revocation engine,
// chain watcher, and spend coordinator, all sharing one bitcoind RPC
// connection (spec.md §5).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/re-vault/revault-demo/daemon"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[vaultd] %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	logFile := filepath.Join(cfg.LogDir, "vaultd.log")
	if err := daemon.InitLogRotator(logFile); err != nil {
		return fmt.Errorf("init log rotator: %w", err)
	}
	daemon.SetLogLevels(cfg.DebugLevel)

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	return d.Stop()
}

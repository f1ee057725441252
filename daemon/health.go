package daemon

import (
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
)

// Grounded on lnd's server.go wiring of healthcheck.Monitor around its
// chain backend: one Observation per external dependency this daemon
// cannot make any protocol progress without, restarted on our own
// schedule rather than bitcoind's or the signature-exchange server's.
const (
	healthCheckInterval    = time.Minute
	healthCheckTimeout     = 10 * time.Second
	healthCheckBackoff     = 30 * time.Second
	healthCheckMaxAttempts = 2
)

// newHealthMonitor builds a Monitor that periodically confirms bitcoind is
// reachable. A chain backend outage leaves the chain watcher blind to
// unauthorized unvaults, so it is treated as critical: losing it logs
// loudly rather than failing silently inside the next scan's error return.
func newHealthMonitor(d *Daemon) *healthcheck.Monitor {
	chainBackendCheck := healthcheck.NewObservation(
		"chain backend",
		func() error {
			_, err := d.chainAdapter.GetRawMempool()
			return err
		},
		healthCheckInterval,
		healthCheckTimeout,
		healthCheckBackoff,
		healthCheckMaxAttempts,
	)

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   []*healthcheck.Observation{chainBackendCheck},
		Interval: healthCheckInterval,
	})
}

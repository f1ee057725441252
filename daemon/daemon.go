package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/lightningnetwork/lnd/healthcheck"
	lndticker "github.com/lightningnetwork/lnd/ticker"

	"github.com/re-vault/revault-demo/chain"
	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/chainwatcher"
	"github.com/re-vault/revault-demo/cosign"
	"github.com/re-vault/revault-demo/keys"
	"github.com/re-vault/revault-demo/revocation"
	"github.com/re-vault/revault-demo/script"
	"github.com/re-vault/revault-demo/sigexchange"
	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/spend"
	"github.com/re-vault/revault-demo/txgraph"
	"github.com/re-vault/revault-demo/vault"
)

// Daemon is one stakeholder's fully-wired vaultd process. Lifecycle
// follows breacharbiter.go's atomic started/stopped guard plus a single
// quit channel, generalized across the long-running subsystems this
// process hosts.
type Daemon struct {
	cfg *Config

	chainAdapter *chain.Adapter
	registry     *vault.Registry
	revocation   *revocation.Engine
	watcher      *chainwatcher.Watcher
	spend        *spend.Coordinator
	knownSpends  *spend.KnownSpendSet
	health       *healthcheck.Monitor
	metrics      *metrics
	metricsSrv   *http.Server

	approvalLoopCancel context.CancelFunc

	started int32
	stopped int32
}

// New builds every component and wires them together, but does not start
// any background loop; call Start for that.
func New(cfg *Config) (*Daemon, error) {
	params, err := resolveParams(cfg.Network)
	if err != nil {
		return nil, err
	}

	chainAdapter, err := chain.Dial(cfg.RPCHost, cfg.RPCUser, cfg.RPCPass, cfg.RPCNoTLS)
	if err != nil {
		return nil, fmt.Errorf("daemon: connect to bitcoind: %w", err)
	}

	sigExchangeClient := sigexchange.New(cfg.SigExchangeURL)
	cosignClient := cosign.New(cfg.CosignURL)

	builder := script.NewBuilder(params.Params)
	factory := txgraph.NewFactory(builder, sigExchangeClient)
	signer := sign.New()

	onlineXpriv, err := loadXpriv(cfg.OnlineXprivPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load online xpriv: %w", err)
	}
	emergencyPriv, err := loadEmergencyKey(cfg.EmergencyKeyPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load emergency key: %w", err)
	}
	deriver := keys.NewHDDeriver(onlineXpriv, emergencyPriv)

	xpubSet, err := parseXPubSet(cfg.XPubs)
	if err != nil {
		return nil, fmt.Errorf("daemon: parse xpubs: %w", err)
	}
	emergencyPubKeys, err := parseEmergencyPubKeys(cfg.EmergencyPubKeys)
	if err != nil {
		return nil, fmt.Errorf("daemon: parse emergency pubkeys: %w", err)
	}

	cosignerPubKey, err := cosignClient.GetPubKey(context.Background())
	if err != nil {
		return nil, fmt.Errorf("daemon: fetch cosigning-server pubkey: %w", err)
	}

	position := vchaincfg.Position(cfg.Position)

	registry, err := vault.NewRegistry(builder, factory, signer, deriver, xpubSet,
		emergencyPubKeys, cosignerPubKey, position, sigExchangeClient)
	if err != nil {
		return nil, fmt.Errorf("daemon: build registry: %w", err)
	}

	revocationEngine := revocation.New(registry, sigExchangeClient, chainAdapter)

	knownSpends := spend.NewKnownSpendSet()
	spendCoordinator := spend.New(registry, factory, signer, deriver, cosignClient,
		sigExchangeClient, chainAdapter, knownSpends, position, params, cfg.AcknowledgedAddrs)

	allocator := keys.NewAddressAllocator(0)
	pollTicker := lndticker.New(cfg.PollInterval)
	watcher := chainwatcher.New(chainAdapter, registry, builder, allocator, params,
		pollTicker, knownSpends, func(ctx context.Context, v *vault.Vault) {
			revocationEngine.Track(ctx, v)
		})

	d := &Daemon{
		cfg:          cfg,
		chainAdapter: chainAdapter,
		registry:     registry,
		revocation:   revocationEngine,
		watcher:      watcher,
		spend:        spendCoordinator,
		knownSpends:  knownSpends,
	}
	d.health = newHealthMonitor(d)
	d.metrics = newMetrics()
	return d, nil
}

// Start brings up the chain watcher and the spend approval loop, and
// tracks every vault already in the registry.
func (d *Daemon) Start() error {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return nil
	}

	for _, v := range d.registry.All() {
		d.revocation.Track(context.Background(), v)
	}

	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("daemon: start chain watcher: %w", err)
	}
	if err := d.health.Start(); err != nil {
		return fmt.Errorf("daemon: start health monitor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.approvalLoopCancel = cancel
	go d.spend.RunApprovalLoop(ctx, d.cfg.PollInterval)
	go d.runMetricsRefresh(ctx)

	if d.cfg.MetricsAddr != "" {
		d.metricsSrv = serveMetrics(d.cfg.MetricsAddr)
	}

	daemonLog.Infof("vaultd started for stakeholder position %d", d.cfg.Position)
	return nil
}

// runMetricsRefresh keeps the Prometheus gauges current. A dedicated
// low-frequency loop rather than piggybacking on the chain watcher's tick
// keeps metrics collection decoupled from scan timing.
func (d *Daemon) runMetricsRefresh(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.metrics.refresh(d.registry.All())
		case <-ctx.Done():
			return
		}
	}
}

// Stop tears down every subsystem. Mirrors breacharbiter.go's Stop.
func (d *Daemon) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.stopped, 0, 1) {
		return nil
	}

	if d.approvalLoopCancel != nil {
		d.approvalLoopCancel()
	}
	if d.metricsSrv != nil {
		d.metricsSrv.Close()
	}
	if err := d.watcher.Stop(); err != nil {
		return err
	}
	d.health.Stop()
	d.revocation.Stop()
	d.chainAdapter.Shutdown()

	daemonLog.Infof("vaultd stopped")
	return nil
}

func resolveParams(network string) (vchaincfg.Params, error) {
	switch network {
	case "mainnet":
		return vchaincfg.MainNetParams, nil
	case "testnet3":
		return vchaincfg.TestNet3Params, nil
	case "regtest", "":
		return vchaincfg.RegressionNetParams, nil
	default:
		return vchaincfg.Params{}, fmt.Errorf("daemon: unknown network %q", network)
	}
}

func readTrimmedFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func loadXpriv(path string) (*hdkeychain.ExtendedKey, error) {
	raw, err := readTrimmedFile(path)
	if err != nil {
		return nil, err
	}
	return hdkeychain.NewKeyFromString(raw)
}

func loadEmergencyKey(path string) (*btcec.PrivateKey, error) {
	raw, err := readTrimmedFile(path)
	if err != nil {
		return nil, err
	}
	wif, err := btcutil.DecodeWIF(raw)
	if err != nil {
		return nil, err
	}
	return wif.PrivKey, nil
}

func parseXPubSet(xpubs []string) (keys.XPubSet, error) {
	var set keys.XPubSet
	for i, s := range xpubs {
		key, err := hdkeychain.NewKeyFromString(s)
		if err != nil {
			return keys.XPubSet{}, fmt.Errorf("parse xpub %d: %w", i, err)
		}
		set[i] = key
	}
	return set, nil
}

func parseEmergencyPubKeys(hexKeys []string) (keys.EmergencyPubKeySet, error) {
	var set keys.EmergencyPubKeySet
	for i, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return keys.EmergencyPubKeySet{}, fmt.Errorf("decode emergency pubkey %d: %w", i, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return keys.EmergencyPubKeySet{}, fmt.Errorf("parse emergency pubkey %d: %w", i, err)
		}
		set[i] = pub
	}
	return set, nil
}

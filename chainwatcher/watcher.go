// Package chainwatcher implements the ChainWatcher (component C8): a
// periodic loop that scans the watched vault addresses for new deposits,
// the single emergency address for a terminal sweep, and the watched
// unvault addresses for an unauthorized unvault, broadcasting the cancel
// template the instant one is seen (spec.md §4.8). It also manages the
// derivation window, keeping GapLimit addresses imported ahead of the
// allocator's high-water mark.
//
// Grounded on breacharbiter.go's subscribe-and-loop shape and
// lightningnetwork/lnd/ticker for the periodic trigger (a ticker.Ticker
// rather than a bare time.Ticker, so tests can drive it deterministically
// with ticker.Force), with the three per-tick scans run concurrently via
// golang.org/x/sync/errgroup.
package chainwatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/re-vault/revault-demo/chain"
	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/keys"
	"github.com/re-vault/revault-demo/script"
	"github.com/re-vault/revault-demo/vault"
)

// KnownSpends reports whether an unvault txid belongs to a spend this
// process's own SpendCoordinator is already driving, the membership test
// that tells an authorized unvault apart from an unauthorized one (spec.md
// §4.8 step 3, §9 Open Question: known_spends is local-only process
// state, not shared through the signature-exchange server).
type KnownSpends interface {
	Contains(unvaultTxid string) bool
}

// Watcher runs the periodic chain-scanning loop.
type Watcher struct {
	chain       chain.Client
	registry    *vault.Registry
	builder     *script.Builder
	allocator   *keys.AddressAllocator
	params      vchaincfg.Params
	tick        ticker.Ticker
	knownSpends KnownSpends
	newVaultCb  func(ctx context.Context, v *vault.Vault)
	clock       clock.Clock

	emergencyAddress string
	importedWindow   sync.Map // address string -> struct{}

	started int32
	stopped int32
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New returns a Watcher. newVaultCb is invoked for every freshly inserted
// vault; wiring it to the revocation engine's Track method is the caller's
// responsibility, which avoids an import cycle between chainwatcher and
// revocation.
func New(chainClient chain.Client, registry *vault.Registry, builder *script.Builder,
	allocator *keys.AddressAllocator, params vchaincfg.Params, pollTicker ticker.Ticker,
	knownSpends KnownSpends, newVaultCb func(ctx context.Context, v *vault.Vault)) *Watcher {

	return &Watcher{
		chain:            chainClient,
		registry:         registry,
		builder:          builder,
		allocator:        allocator,
		params:           params,
		tick:             pollTicker,
		knownSpends:      knownSpends,
		newVaultCb:       newVaultCb,
		clock:            clock.NewDefaultClock(),
		emergencyAddress: registry.EmergencyAddress(),
		quit:             make(chan struct{}),
	}
}

// SetClock overrides the watcher's time source, for tests that need to
// control the import timestamp extendWindow stamps fresh addresses with.
func (w *Watcher) SetClock(c clock.Clock) {
	w.clock = c
}

// Start imports the emergency address and the initial derivation window,
// then launches the polling loop. Mirrors breacharbiter.go's
// atomic-guarded Start/Stop idiom.
func (w *Watcher) Start() error {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return nil
	}

	if err := w.chain.ImportAddress(w.emergencyAddress); err != nil {
		return fmt.Errorf("chainwatcher: import emergency address: %w", err)
	}
	if err := w.extendWindow(); err != nil {
		return fmt.Errorf("chainwatcher: initial derivation window: %w", err)
	}

	w.tick.Resume()
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop signals the polling loop to exit and waits for it.
func (w *Watcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&w.stopped, 0, 1) {
		return nil
	}
	close(w.quit)
	w.tick.Stop()
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.tick.Ticks():
			if err := w.scan(context.Background()); err != nil {
				log.Errorf("tick: %v", err)
			}
		case <-w.quit:
			return
		}
	}
}

// scan runs the three watches concurrently: they query independent
// address sets and mutate shared state only through the registry's own
// locking (spec.md §5, §4.8).
func (w *Watcher) scan(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return w.scanVaultAddresses(ctx) })
	group.Go(func() error { return w.scanEmergencyAddress(ctx) })
	group.Go(func() error { return w.scanUnvaultAddresses(ctx) })

	return group.Wait()
}

// scanVaultAddresses looks for new deposits at watched vault addresses,
// registers each as a new vault, and extends the derivation window
// (spec.md §4.8 step 1).
func (w *Watcher) scanVaultAddresses(ctx context.Context) error {
	end := w.allocator.HighWater() + vchaincfg.GapLimit

	addresses := make([]btcutil.Address, 0, end)
	indexOf := make(map[string]uint32, end)
	for i := uint32(0); i < end; i++ {
		addrStr, _, err := w.registry.VaultAddress(i)
		if err != nil {
			return fmt.Errorf("derive vault address %d: %w", i, err)
		}
		addr, err := btcutil.DecodeAddress(addrStr, w.params.Params)
		if err != nil {
			return fmt.Errorf("decode vault address %d: %w", i, err)
		}
		addresses = append(addresses, addr)
		indexOf[addrStr] = i
	}
	if len(addresses) == 0 {
		return nil
	}

	unspent, err := w.chain.ListUnspent(0, 9999999, addresses)
	if err != nil {
		return fmt.Errorf("list unspent vault addresses: %w", err)
	}

	for _, utxo := range unspent {
		index, ok := indexOf[utxo.Address]
		if !ok {
			continue
		}

		outpoint, err := parseOutpoint(utxo.TxID, utxo.Vout)
		if err != nil {
			return err
		}
		if _, ok := w.registry.Get(outpoint); ok {
			continue
		}

		amount, err := btcutil.NewAmount(utxo.Amount)
		if err != nil {
			return fmt.Errorf("parse vault utxo amount: %w", err)
		}

		v, err := w.registry.Insert(ctx, outpoint, int64(amount), index)
		if err != nil {
			return fmt.Errorf("insert vault at index %d: %w", index, err)
		}
		log.Infof("new vault %s at index %d, %d sat", v.VaultTxid(), index, amount)

		w.allocator.Advance(index)
		if err := w.extendWindow(); err != nil {
			return fmt.Errorf("extend derivation window: %w", err)
		}
		if w.newVaultCb != nil {
			w.newVaultCb(ctx, v)
		}
	}
	return nil
}

// scanEmergencyAddress checks whether the shared emergency address has
// received funds. If so, some stakeholder has pulled the panic button:
// every stored emergency transaction this node holds is broadcast and
// every tracked vault is marked EmergencySwept, a terminal, successful
// outcome (spec.md §4.8 step 2, §7 "Emergency observed").
func (w *Watcher) scanEmergencyAddress(ctx context.Context) error {
	addr, err := btcutil.DecodeAddress(w.emergencyAddress, w.params.Params)
	if err != nil {
		return fmt.Errorf("decode emergency address: %w", err)
	}

	unspent, err := w.chain.ListUnspent(0, 9999999, []btcutil.Address{addr})
	if err != nil {
		return fmt.Errorf("list unspent emergency address: %w", err)
	}
	if len(unspent) == 0 {
		return nil
	}

	for _, v := range w.registry.All() {
		if v.AssembledEmergencyTx == nil {
			continue
		}
		if _, err := w.chain.SendRawTransaction(v.AssembledEmergencyTx); err != nil {
			log.Warnf("broadcast emergency for vault %s: %v", v.VaultTxid(), err)
		}
	}
	w.registry.MarkEmergencySwept()
	log.Criticalf("emergency address funded: entering terminal shutdown")
	return nil
}

// scanUnvaultAddresses looks for an unvault output landing at any tracked
// vault's unvault address. The unvault template's txid is fixed the
// moment it is built (segwit signatures do not affect it), so presence
// alone identifies the event; knownSpends then tells an authorized unvault
// (this node's own SpendCoordinator is already driving it) apart from an
// unauthorized one, which gets cancelled immediately (spec.md §4.8 step
// 3).
func (w *Watcher) scanUnvaultAddresses(ctx context.Context) error {
	vaults := w.registry.All()
	if len(vaults) == 0 {
		return nil
	}

	byAddress := make(map[string]*vault.Vault, len(vaults))
	addresses := make([]btcutil.Address, 0, len(vaults))
	for _, v := range vaults {
		addr, err := w.builder.Address(v.UnvaultScript)
		if err != nil {
			return fmt.Errorf("derive unvault address for %s: %w", v.VaultTxid(), err)
		}
		byAddress[addr.EncodeAddress()] = v
		addresses = append(addresses, addr)
	}

	unspent, err := w.chain.ListUnspent(0, 9999999, addresses)
	if err != nil {
		return fmt.Errorf("list unspent unvault addresses: %w", err)
	}

	for _, utxo := range unspent {
		v, ok := byAddress[utxo.Address]
		if !ok {
			continue
		}
		if w.knownSpends.Contains(v.UnvaultTxid()) {
			continue
		}
		if v.AssembledCancelTx == nil {
			log.Errorf("unauthorized unvault of %s detected but cancel is not yet assembled", v.VaultTxid())
			continue
		}
		if _, err := w.chain.SendRawTransaction(v.AssembledCancelTx); err != nil {
			log.Errorf("broadcast cancel for %s: %v", v.VaultTxid(), err)
			continue
		}
		log.Warnf("unauthorized unvault of %s: cancel broadcast", v.VaultTxid())
		w.registry.Remove(v.Outpoint)
	}
	return nil
}

// extendWindow imports watch-only descriptors for every vault address up
// to GapLimit past the allocator's high-water mark.
func (w *Watcher) extendWindow() error {
	start := w.allocator.HighWater()
	end := start + vchaincfg.GapLimit

	requests := make([]chain.MultiImportRequest, 0, vchaincfg.GapLimit)
	for i := start; i < end; i++ {
		addrStr, pkScript, err := w.registry.VaultAddress(i)
		if err != nil {
			return err
		}
		if _, loaded := w.importedWindow.LoadOrStore(addrStr, struct{}{}); loaded {
			continue
		}
		addr, err := btcutil.DecodeAddress(addrStr, w.params.Params)
		if err != nil {
			return err
		}
		requests = append(requests, chain.MultiImportRequest{
			ScriptPubKey: pkScript,
			Address:      addr,
			Timestamp:    w.clock.Now().Unix(),
			Watchonly:    true,
		})
	}
	if len(requests) == 0 {
		return nil
	}

	_, err := w.chain.ImportMulti(requests)
	return err
}

// parseOutpoint builds a wire.OutPoint from a listunspent result's hex
// txid and vout.
func parseOutpoint(txid string, vout uint32) (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("parse txid %q: %w", txid, err)
	}
	return wire.OutPoint{Hash: *hash, Index: vout}, nil
}

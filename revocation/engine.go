// Package revocation implements the RevocationEngine (component C7): for
// every vault not yet Secured, poll the signature-exchange server for the
// other three stakeholders' signatures on each revocation template, run
// testmempoolaccept on the assembled result before trusting it, and gate
// release of this stakeholder's withheld unvault signature on both
// revocation templates being fully assembled (spec.md §4.7). This is the
// piece that makes an unvault safe to begin: no stakeholder publishes its
// unvault signature before it holds working proof the funds can still be
// clawed back.
//
// Grounded on breacharbiter.go's per-channel retribution goroutines: one
// task per vault rather than one goroutine scanning every vault on a
// timer, so a slow vault never delays another's polling, and a freshly
// discovered vault just adds one more task to the running set instead of
// requiring the whole engine to be torn down and rebuilt (spec.md §9,
// "avoid tearing down and restarting the whole engine on each vault
// arrival").
package revocation

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	goerrors "github.com/go-errors/errors"

	"github.com/re-vault/revault-demo/chain"
	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/sigexchange"
	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/txgraph"
	"github.com/re-vault/revault-demo/vault"
)

// allPositions is the fixed 1..4 stakeholder position range polled for
// every signature slot.
var allPositions = [vchaincfg.StakeholderCount]vchaincfg.Position{1, 2, 3, 4}

// Engine runs one polling task per unsecured vault, fed by whatever
// registers new vaults (the chain watcher or startup reconciliation).
type Engine struct {
	registry *vault.Registry
	sigs     *sigexchange.Client
	chain    chain.Client

	mu      sync.Mutex
	running map[wire.OutPoint]context.CancelFunc
	wg      sync.WaitGroup
}

// New returns an Engine. Callers must call Track for every vault already
// in the registry at startup, then Track again whenever the chain watcher
// discovers a new one.
func New(registry *vault.Registry, sigs *sigexchange.Client, chainClient chain.Client) *Engine {
	return &Engine{
		registry: registry,
		sigs:     sigs,
		chain:    chainClient,
		running:  make(map[wire.OutPoint]context.CancelFunc),
	}
}

// Track starts (or no-ops if already running) the polling task for v. Safe
// to call repeatedly for the same vault; a vault that reaches Secured
// stops its own task.
func (e *Engine) Track(ctx context.Context, v *vault.Vault) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.running[v.Outpoint]; ok {
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.running[v.Outpoint] = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, v.Outpoint)
			e.mu.Unlock()
		}()
		if err := e.run(taskCtx, v); err != nil && taskCtx.Err() == nil {
			// A protocol violation or invariant failure in one vault's
			// revocation protocol must not bring down the others (spec.md
			// §7); wrap with a stack trace since this goroutine has no
			// caller left to return the error to, then let the daemon's
			// top-level logger record it.
			stackErr := goerrors.Wrap(err, 1)
			log.Errorf("vault %s: %s", v.VaultTxid(), stackErr.ErrorStack())
		}
	}()
}

// Stop cancels every running task and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// run drives one vault from Discovered through Secured.
func (e *Engine) run(ctx context.Context, v *vault.Vault) error {
	if err := e.pollAndAssemble(ctx, v.Outpoint, txgraph.RoleEmergency, v.Emergency, v.EmergencySigs); err != nil {
		return fmt.Errorf("emergency-from-vault: %w", err)
	}

	var wg sync.WaitGroup
	var cancelErr, unvaultEmergencyErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		cancelErr = e.pollAndAssemble(ctx, v.Outpoint, txgraph.RoleCancel, v.Cancel, v.CancelSigs)
	}()
	go func() {
		defer wg.Done()
		unvaultEmergencyErr = e.pollAndAssemble(ctx, v.Outpoint, txgraph.RoleUnvaultEmergency, v.UnvaultEmergency, v.UnvaultEmergencySigs)
	}()
	wg.Wait()
	if cancelErr != nil {
		return fmt.Errorf("cancel: %w", cancelErr)
	}
	if unvaultEmergencyErr != nil {
		return fmt.Errorf("unvault-emergency: %w", unvaultEmergencyErr)
	}

	ready, err := e.registry.ReadyToReleaseUnvaultSig(v.Outpoint)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("revocations not complete after both polls returned")
	}

	// Releasing the withheld unvault signature only after both revocation
	// templates are fully assembled and mempool-accept-checked is the
	// protocol's core safety property (spec.md §5, §4.7 step 4).
	if err := e.sigs.Push(ctx, v.UnvaultTxid(), e.registry.Position(), v.WithheldUnvaultSig); err != nil {
		return fmt.Errorf("push withheld unvault signature: %w", err)
	}
	if err := e.registry.MarkUnvaulting(v.Outpoint); err != nil {
		return err
	}
	unvaultSlots, err := e.registry.SetSig(v.Outpoint, txgraph.RoleUnvault, e.registry.Position(), v.WithheldUnvaultSig)
	if err != nil {
		return err
	}

	if err := e.pollAndAssemble(ctx, v.Outpoint, txgraph.RoleUnvault, v.Unvault, unvaultSlots); err != nil {
		return fmt.Errorf("unvault: %w", err)
	}
	return nil
}

// pollAndAssemble polls the signature-exchange server for every other
// position's signature on tpl, assembles the witness once all four are
// present, checks the result against testmempoolaccept, and records it in
// the registry. self's own slot is already filled before this is ever
// called (spec.md §4.4), so only the other three positions require a
// network round-trip.
func (e *Engine) pollAndAssemble(ctx context.Context, outpoint wire.OutPoint, role txgraph.Role,
	tpl *txgraph.Template, slots sign.SigSlots) error {

	txid := tpl.Tx.TxHash().String()
	self := e.registry.Position()

	for _, position := range allPositions {
		if position == self {
			continue
		}
		sig, err := e.sigs.PollUntilPresent(ctx, txid, position)
		if err != nil {
			return fmt.Errorf("poll position %d: %w", position, err)
		}
		updated, err := e.registry.SetSig(outpoint, role, position, sig)
		if err != nil {
			return err
		}
		slots = updated
	}

	witness, err := assembleWitness(role, slots, tpl.WitnessScript)
	if err != nil {
		return err
	}
	tpl.Tx.TxIn[0].Witness = witness

	ok, reason, err := e.chain.TestMempoolAccept(tpl.Tx)
	if err != nil {
		return fmt.Errorf("testmempoolaccept: %w", err)
	}
	if !ok {
		return fmt.Errorf("testmempoolaccept rejected %s template: %s", role, reason)
	}

	return e.registry.MarkAssembled(outpoint, role, tpl.Tx)
}

// assembleWitness picks the witness layout for role: emergency-from-vault
// and unvault spend the vault script (six-element, leading empty byte);
// cancel and unvault-emergency spend the unvault script's all-four branch
// (five-element, no leading empty byte).
func assembleWitness(role txgraph.Role, slots sign.SigSlots, witnessScript []byte) (wire.TxWitness, error) {
	switch role {
	case txgraph.RoleEmergency, txgraph.RoleUnvault:
		return sign.AssembleVaultSpendWitness(slots, witnessScript)
	case txgraph.RoleCancel, txgraph.RoleUnvaultEmergency:
		return sign.AssembleUnvaultAllFourWitness(slots, witnessScript)
	default:
		return nil, fmt.Errorf("revocation: no witness layout for role %s", role)
	}
}

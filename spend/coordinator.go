// Package spend implements the SpendCoordinator (component C9): the
// two-trader rendezvous that turns a Secured vault into a broadcastable
// spend, the background approval loop passive stakeholders run to vote on
// proposed destinations, and the initiator's wait for that vote to resolve
// before broadcasting the unvault and, six blocks later, the spend
// (spec.md §4.9).
package spend

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"

	"github.com/re-vault/revault-demo/chain"
	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/cosign"
	"github.com/re-vault/revault-demo/keys"
	"github.com/re-vault/revault-demo/sigexchange"
	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/txgraph"
	"github.com/re-vault/revault-demo/vault"
)

// Proposal is what trader A hands to trader B to rendezvous on a spend:
// the vault being spent and the proposed destination set. Passed over an
// implementation-local channel (a plain Go channel) rather than any
// networked transport -- the two traders are expected to coordinate this
// step out of band, the same way the source leaves trader-to-trader
// messaging unspecified (spec.md §4.9 step 1).
type Proposal struct {
	VaultOutpoint wire.OutPoint
	Destinations  map[string]int64
}

// Mailbox is the implementation-local channel type Initiate posts a
// Proposal to and Accept receives one from.
type Mailbox chan Proposal

// NewMailbox returns a Mailbox with reasonable buffering for one
// outstanding proposal at a time.
func NewMailbox() Mailbox { return make(Mailbox, 1) }

// Coordinator drives one stakeholder's half of the spend protocol: both
// traders run one, configured with their own position; passive
// stakeholders run one purely to serve the approval loop.
type Coordinator struct {
	registry    *vault.Registry
	factory     *txgraph.Factory
	signer      *sign.Signer
	deriver     keys.Deriver
	cosignC     *cosign.Client
	sigExchange *sigexchange.Client
	chainClient chain.Client
	knownSpends *KnownSpendSet
	position    vchaincfg.Position
	params      vchaincfg.Params

	// acknowledged is the locally-configured set of destination addresses
	// this stakeholder will vote to accept (spec.md §4.9 step 4).
	acknowledged map[string]struct{}
}

// New returns a Coordinator.
func New(registry *vault.Registry, factory *txgraph.Factory, signer *sign.Signer,
	deriver keys.Deriver, cosignC *cosign.Client, sigExchange *sigexchange.Client,
	chainClient chain.Client, knownSpends *KnownSpendSet, position vchaincfg.Position,
	params vchaincfg.Params, acknowledgedAddresses []string) *Coordinator {

	acked := make(map[string]struct{}, len(acknowledgedAddresses))
	for _, addr := range acknowledgedAddresses {
		acked[addr] = struct{}{}
	}

	return &Coordinator{
		registry:     registry,
		factory:      factory,
		signer:       signer,
		deriver:      deriver,
		cosignC:      cosignC,
		sigExchange:  sigExchange,
		chainClient:  chainClient,
		knownSpends:  knownSpends,
		position:     position,
		params:       params,
		acknowledged: acked,
	}
}

// buildAndSign rebuilds the deterministic spend template for v's unvault
// output and destinations, and signs it under this coordinator's own
// position -- the one step both Initiate and Accept share (spec.md §4.9
// steps 1-2).
func (c *Coordinator) buildAndSign(v *vault.Vault, destinations map[string]int64) (*txgraph.Template, []byte, error) {
	if v.State != vault.Secured && v.State != vault.Unvaulting {
		return nil, nil, fmt.Errorf("spend: vault %s is not secured yet (state %s)", v.VaultTxid(), v.State)
	}

	unvaultAmount := v.Unvault.Tx.TxOut[0].Value
	parsed, err := txgraph.ParseDestinations(c.params.Params, destinations)
	if err != nil {
		return nil, nil, fmt.Errorf("parse destinations: %w", err)
	}

	tpl, err := c.factory.Spend(v.UnvaultOutpoint(), unvaultAmount, v.UnvaultScript, parsed)
	if err != nil {
		return nil, nil, fmt.Errorf("build spend template: %w", err)
	}

	priv, err := c.deriver.Derive(v.DerivationIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("derive own private key: %w", err)
	}

	sig, err := c.signer.Sign(tpl.Tx, 0, v.UnvaultScript, unvaultAmount, sign.SigHashAllFlag, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("sign spend: %w", err)
	}
	return tpl, sig, nil
}

// Initiate is trader A's step: build and sign the spend template, and
// post it to mailbox for trader B (spec.md §4.9 step 1).
func (c *Coordinator) Initiate(ctx context.Context, vaultOutpoint wire.OutPoint,
	destinations map[string]int64, mailbox Mailbox) ([]byte, error) {

	v, ok := c.registry.Get(vaultOutpoint)
	if !ok {
		return nil, fmt.Errorf("spend: unknown vault %s", vaultOutpoint)
	}
	if !c.position.IsTrader() {
		return nil, fmt.Errorf("spend: stakeholder %d is not a trader", c.position)
	}

	_, sig, err := c.buildAndSign(v, destinations)
	if err != nil {
		return nil, err
	}

	select {
	case mailbox <- Proposal{VaultOutpoint: vaultOutpoint, Destinations: destinations}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return sig, nil
}

// Accept is trader B's step: rebuild the template independently from the
// proposal and return its own signature (spec.md §4.9 step 2).
func (c *Coordinator) Accept(ctx context.Context, proposal Proposal) ([]byte, error) {
	v, ok := c.registry.Get(proposal.VaultOutpoint)
	if !ok {
		return nil, fmt.Errorf("spend: unknown vault %s", proposal.VaultOutpoint)
	}
	if !c.position.IsTrader() {
		return nil, fmt.Errorf("spend: stakeholder %d is not a trader", c.position)
	}

	_, sig, err := c.buildAndSign(v, proposal.Destinations)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Complete is trader A's final assembly step: combine both trader
// signatures, fetch the cosigning-server signature, assemble the witness,
// and publish the destination set for stakeholder acknowledgement
// (spec.md §4.9 step 3).
func (c *Coordinator) Complete(ctx context.Context, vaultOutpoint wire.OutPoint,
	destinations map[string]int64, trader1Sig, trader2Sig []byte) error {

	v, ok := c.registry.Get(vaultOutpoint)
	if !ok {
		return fmt.Errorf("spend: unknown vault %s", vaultOutpoint)
	}

	tpl, _, err := c.buildAndSign(v, destinations)
	if err != nil {
		return err
	}

	pubKeys, err := c.registry.PubKeys(v.DerivationIndex)
	if err != nil {
		return fmt.Errorf("derive pubkeys: %w", err)
	}
	var pubKeyHex [4]string
	for i, pk := range pubKeys {
		pubKeyHex[i] = hex.EncodeToString(pk.SerializeCompressed())
	}

	cosig, err := c.cosignC.GetCosignature(ctx, cosign.SignRequest{
		Txid:         v.UnvaultTxid(),
		PubKeys:      pubKeyHex,
		Destinations: destinations,
		PrevValue:    v.Unvault.Tx.TxOut[0].Value,
	})
	if err != nil {
		return fmt.Errorf("get cosigning-server signature: %w", err)
	}

	sigs := sign.SigSlots{}
	sigs[0] = trader1Sig
	sigs[1] = trader2Sig

	witness, err := sign.AssembleSpendWitness(sigs, cosig, v.UnvaultScript)
	if err != nil {
		return fmt.Errorf("assemble spend witness: %w", err)
	}
	tpl.Tx.TxIn[0].Witness = witness

	if err := c.registry.SetSpendTemplate(vaultOutpoint, tpl); err != nil {
		return err
	}

	if err := c.sigExchange.RequestSpend(ctx, v.VaultTxid(), destinations); err != nil {
		return fmt.Errorf("request spend acknowledgement: %w", err)
	}
	c.knownSpends.Add(v.UnvaultTxid())
	return nil
}

// RunApprovalLoop is the background loop passive stakeholders (and the
// non-initiating trader) run: pull pending spend requests, vote accept if
// every non-change destination is acknowledged, vote refuse otherwise
// (spec.md §4.9 step 4). It runs until ctx is cancelled.
func (c *Coordinator) RunApprovalLoop(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.approvalTick(ctx); err != nil {
				log.Errorf("approval tick: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) approvalTick(ctx context.Context) error {
	requests, err := c.sigExchange.SpendRequests(ctx)
	if err != nil {
		return fmt.Errorf("list spend requests: %w", err)
	}

	for _, req := range requests {
		approve := true
		for addr := range req.Destinations {
			if _, isOwnChange := c.registry.GetByVaultAddress(addr); isOwnChange {
				continue
			}
			if _, ok := c.acknowledged[addr]; !ok {
				approve = false
				break
			}
		}

		var voteErr error
		if approve {
			voteErr = c.sigExchange.AcceptSpend(ctx, req.VaultTxid, c.position)
		} else {
			voteErr = c.sigExchange.RefuseSpend(ctx, req.VaultTxid, c.position)
		}
		if voteErr != nil {
			return fmt.Errorf("vote on spend %s: %w", req.VaultTxid, voteErr)
		}
	}
	return nil
}

// AwaitResolution polls spend_accepted for vaultOutpoint until it
// resolves. On acceptance, it broadcasts the already fully-signed unvault
// transaction, waits for UnvaultCSVDelay confirmations, then broadcasts
// the completed spend. On refusal, it aborts without broadcasting
// anything; an unvault broadcast by another party regardless is still the
// chain watcher's responsibility to cancel (spec.md §4.9 step 5).
func (c *Coordinator) AwaitResolution(ctx context.Context, vaultOutpoint wire.OutPoint) error {
	v, ok := c.registry.Get(vaultOutpoint)
	if !ok {
		return fmt.Errorf("spend: unknown vault %s", vaultOutpoint)
	}

	accepted, err := c.pollAccepted(ctx, v.VaultTxid())
	if err != nil {
		return err
	}
	if accepted == sigexchange.AcceptedFalse {
		return fmt.Errorf("spend: refused by at least one stakeholder")
	}

	if _, err := c.chainClient.SendRawTransaction(v.AssembledUnvaultTx); err != nil {
		return fmt.Errorf("broadcast unvault: %w", err)
	}

	if err := c.waitForConfirmations(ctx, v.UnvaultTxid(), vchaincfg.UnvaultCSVDelay); err != nil {
		return fmt.Errorf("wait for unvault confirmations: %w", err)
	}

	if v.Spend == nil {
		return fmt.Errorf("spend: no completed spend template for vault %s", v.VaultTxid())
	}
	if _, err := c.chainClient.SendRawTransaction(v.Spend.Tx); err != nil {
		return fmt.Errorf("broadcast spend: %w", err)
	}
	return nil
}

func (c *Coordinator) pollAccepted(ctx context.Context, vaultTxid string) (sigexchange.Accepted, error) {
	var result sigexchange.Accepted

	operation := func() error {
		accepted, err := c.sigExchange.SpendAccepted(ctx, vaultTxid)
		if err != nil {
			return err
		}
		if accepted == sigexchange.AcceptedPending {
			return fmt.Errorf("spend: %s still pending", vaultTxid)
		}
		result = accepted
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return sigexchange.AcceptedPending, err
	}
	return result, nil
}

func (c *Coordinator) waitForConfirmations(ctx context.Context, txidHex string, minConfs int64) error {
	txid, err := chainhash.NewHashFromStr(txidHex)
	if err != nil {
		return fmt.Errorf("parse txid %q: %w", txidHex, err)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		result, err := c.chainClient.GetTransaction(txid)
		if err == nil && result.Confirmations >= minConfs {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

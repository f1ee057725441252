// Package vault implements the VaultRegistry (component C4): the
// keyed-by-outpoint store of every vault this stakeholder is tracking,
// together with the logic that turns a fresh deposit into four signed
// templates with the stakeholder's own unvault signature withheld.
//
// The registry is the one owning store the rest of the daemon resolves
// through by outpoint or txid (spec.md §9, "Cyclic references -> one
// owning registry; engines and watchers hold indices and resolve through
// the registry"), grounded on the teacher's breachArbiter's in-memory,
// mutex-free-but-channel-serialized retribution map -- reworked here as an
// explicit mutex since this registry is read from many more call sites
// (chain watcher, revocation engine, spend coordinator) than
// breachArbiter's single internal goroutine.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/keys"
	"github.com/re-vault/revault-demo/script"
	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/txgraph"
)

// SigPusher is the narrow seam into the signature-exchange server the
// registry needs: posting this stakeholder's own signature for a
// template. Defined here rather than depending on the sigexchange package
// directly to keep the registry's dependency surface to an interface a
// test can fake.
type SigPusher interface {
	Push(ctx context.Context, txid string, position vchaincfg.Position, sig []byte) error
}

// Registry is keyed by vault outpoint and holds every additional index the
// rest of the daemon needs: by vault txid, by unvault txid, by watched
// address. A single mutex protects all of it; callers must never hold it
// across a network call (spec.md §5).
type Registry struct {
	mu sync.Mutex

	byOutpoint       map[wire.OutPoint]*Vault
	byVaultTxid      map[string]*Vault
	byUnvaultTxid    map[string]*Vault
	byVaultAddress   map[string]*Vault
	byUnvaultAddress map[string]*Vault

	builder  *script.Builder
	factory  *txgraph.Factory
	signer   *sign.Signer
	deriver  keys.Deriver
	xpubs    keys.XPubSet
	pusher   SigPusher
	position vchaincfg.Position

	emergencyScript  []byte
	emergencyAddress string
	cosignerPubKey   *btcec.PublicKey
}

// NewRegistry builds a Registry. emergencyPubKeys and cosignerPubKey are
// fixed for the lifetime of the process (spec.md §3, §4.1); xpubs must be
// the same four extended public keys, in the same order, every stakeholder
// configures, so every node derives identical scripts (spec.md §8
// invariant 3).
func NewRegistry(builder *script.Builder, factory *txgraph.Factory,
	signer *sign.Signer, deriver keys.Deriver, xpubs keys.XPubSet,
	emergencyPubKeys keys.EmergencyPubKeySet, cosignerPubKey *btcec.PublicKey,
	position vchaincfg.Position, pusher SigPusher) (*Registry, error) {

	if !position.Valid() {
		return nil, fmt.Errorf("vault: invalid stakeholder position %d", position)
	}

	emergencyScript, err := builder.EmergencyScript(emergencyPubKeys)
	if err != nil {
		return nil, fmt.Errorf("vault: build emergency script: %w", err)
	}
	emergencyAddr, err := builder.Address(emergencyScript)
	if err != nil {
		return nil, fmt.Errorf("vault: derive emergency address: %w", err)
	}

	return &Registry{
		byOutpoint:       make(map[wire.OutPoint]*Vault),
		byVaultTxid:      make(map[string]*Vault),
		byUnvaultTxid:    make(map[string]*Vault),
		byVaultAddress:   make(map[string]*Vault),
		byUnvaultAddress: make(map[string]*Vault),
		builder:          builder,
		factory:          factory,
		signer:           signer,
		deriver:          deriver,
		xpubs:            xpubs,
		pusher:           pusher,
		position:         position,
		emergencyScript:  emergencyScript,
		emergencyAddress: emergencyAddr.EncodeAddress(),
		cosignerPubKey:   cosignerPubKey,
	}, nil
}

// Position returns this process's own stakeholder position.
func (r *Registry) Position() vchaincfg.Position { return r.position }

// EmergencyAddress returns the single, non-derived emergency address
// shared across every vault (spec.md §3 invariant 4).
func (r *Registry) EmergencyAddress() string { return r.emergencyAddress }

// VaultAddress derives the P2WSH address of the vault script at index,
// without requiring a vault to already be registered at that index. Used
// by the chain watcher to extend its watched-address window ahead of any
// deposit (spec.md §4.8).
func (r *Registry) VaultAddress(index uint32) (string, []byte, error) {
	pubKeys, err := r.xpubs.Derive(index)
	if err != nil {
		return "", nil, fmt.Errorf("vault: derive pubkeys at index %d: %w", index, err)
	}
	vaultScript, err := r.builder.VaultScript(pubKeys)
	if err != nil {
		return "", nil, fmt.Errorf("vault: build vault script at index %d: %w", index, err)
	}
	addr, err := r.builder.Address(vaultScript)
	if err != nil {
		return "", nil, fmt.Errorf("vault: derive vault address at index %d: %w", index, err)
	}
	return addr.EncodeAddress(), vaultScript, nil
}

// Insert registers a fresh deposit at outpoint/amount/derivationIndex:
// builds all four templates, signs emergency, cancel, unvault-emergency,
// and unvault locally, pushes the three revocation signatures to the
// signature-exchange server, and withholds the unvault signature
// (spec.md §4.4). The returned Vault is already present in the registry.
func (r *Registry) Insert(ctx context.Context, outpoint wire.OutPoint, amount int64,
	derivationIndex uint32) (*Vault, error) {

	pubKeys, err := r.xpubs.Derive(derivationIndex)
	if err != nil {
		return nil, fmt.Errorf("vault: derive pubkeys: %w", err)
	}

	vaultScript, err := r.builder.VaultScript(pubKeys)
	if err != nil {
		return nil, fmt.Errorf("vault: build vault script: %w", err)
	}
	unvaultScript, err := r.builder.UnvaultScript(pubKeys, r.cosignerPubKey)
	if err != nil {
		return nil, fmt.Errorf("vault: build unvault script: %w", err)
	}

	emergencyTpl, err := r.factory.EmergencyFromVault(outpoint, amount, vaultScript, r.emergencyScript)
	if err != nil {
		return nil, fmt.Errorf("vault: build emergency-from-vault template: %w", err)
	}
	unvaultTpl, err := r.factory.Unvault(outpoint, amount, vaultScript, unvaultScript)
	if err != nil {
		return nil, fmt.Errorf("vault: build unvault template: %w", err)
	}

	unvaultOutpoint := wire.OutPoint{Hash: unvaultTpl.Tx.TxHash(), Index: 0}
	unvaultAmount := unvaultTpl.Tx.TxOut[0].Value

	cancelTpl, err := r.factory.Cancel(unvaultOutpoint, unvaultAmount, unvaultScript, vaultScript)
	if err != nil {
		return nil, fmt.Errorf("vault: build cancel template: %w", err)
	}
	unvaultEmergencyTpl, err := r.factory.UnvaultEmergency(unvaultOutpoint, unvaultAmount, unvaultScript, r.emergencyScript)
	if err != nil {
		return nil, fmt.Errorf("vault: build unvault-emergency template: %w", err)
	}

	priv, err := r.deriver.Derive(derivationIndex)
	if err != nil {
		return nil, fmt.Errorf("vault: derive own private key: %w", err)
	}

	emergencySig, err := r.signer.Sign(emergencyTpl.Tx, 0, vaultScript, amount, sign.SigHashRevocationFlag, priv)
	if err != nil {
		return nil, fmt.Errorf("vault: sign emergency-from-vault: %w", err)
	}
	cancelSig, err := r.signer.Sign(cancelTpl.Tx, 0, unvaultScript, unvaultAmount, sign.SigHashRevocationFlag, priv)
	if err != nil {
		return nil, fmt.Errorf("vault: sign cancel: %w", err)
	}
	unvaultEmergencySig, err := r.signer.Sign(unvaultEmergencyTpl.Tx, 0, unvaultScript, unvaultAmount, sign.SigHashRevocationFlag, priv)
	if err != nil {
		return nil, fmt.Errorf("vault: sign unvault-emergency: %w", err)
	}
	unvaultSig, err := r.signer.Sign(unvaultTpl.Tx, 0, vaultScript, amount, sign.SigHashAllFlag, priv)
	if err != nil {
		return nil, fmt.Errorf("vault: sign unvault: %w", err)
	}

	v := &Vault{
		Outpoint:        outpoint,
		Amount:          amount,
		DerivationIndex: derivationIndex,
		VaultScript:     vaultScript,
		UnvaultScript:   unvaultScript,
		Emergency:       emergencyTpl,
		Unvault:         unvaultTpl,
		Cancel:          cancelTpl,
		UnvaultEmergency: unvaultEmergencyTpl,
		WithheldUnvaultSig: unvaultSig,
		State:           Discovered,
	}
	v.EmergencySigs[r.position-1] = emergencySig
	v.CancelSigs[r.position-1] = cancelSig
	v.UnvaultEmergencySigs[r.position-1] = unvaultEmergencySig

	vaultAddr, err := r.builder.Address(vaultScript)
	if err != nil {
		return nil, fmt.Errorf("vault: derive vault address: %w", err)
	}
	unvaultAddr, err := r.builder.Address(unvaultScript)
	if err != nil {
		return nil, fmt.Errorf("vault: derive unvault address: %w", err)
	}

	r.mu.Lock()
	r.byOutpoint[outpoint] = v
	r.byVaultTxid[v.VaultTxid()] = v
	r.byUnvaultTxid[v.UnvaultTxid()] = v
	r.byVaultAddress[vaultAddr.EncodeAddress()] = v
	r.byUnvaultAddress[unvaultAddr.EncodeAddress()] = v
	r.mu.Unlock()

	// Network I/O never happens under the lock (spec.md §5).
	if err := r.pusher.Push(ctx, emergencyTpl.Tx.TxHash().String(), r.position, emergencySig); err != nil {
		return nil, fmt.Errorf("vault: push emergency signature: %w", err)
	}
	if err := r.pusher.Push(ctx, cancelTpl.Tx.TxHash().String(), r.position, cancelSig); err != nil {
		return nil, fmt.Errorf("vault: push cancel signature: %w", err)
	}
	if err := r.pusher.Push(ctx, unvaultEmergencyTpl.Tx.TxHash().String(), r.position, unvaultEmergencySig); err != nil {
		return nil, fmt.Errorf("vault: push unvault-emergency signature: %w", err)
	}

	log.Infof("inserted vault %s at index %d, %d sat, withholding unvault signature", v.VaultTxid(), derivationIndex, amount)
	return v, nil
}

// Get returns the vault at outpoint, if any.
func (r *Registry) Get(outpoint wire.OutPoint) (*Vault, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byOutpoint[outpoint]
	return v, ok
}

// GetByVaultTxid looks up a vault by its deposit transaction's txid.
func (r *Registry) GetByVaultTxid(txid string) (*Vault, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byVaultTxid[txid]
	return v, ok
}

// GetByUnvaultTxid looks up a vault by its unvault template's txid.
func (r *Registry) GetByUnvaultTxid(txid string) (*Vault, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byUnvaultTxid[txid]
	return v, ok
}

// GetByVaultAddress looks up a vault by its watched deposit address.
func (r *Registry) GetByVaultAddress(address string) (*Vault, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byVaultAddress[address]
	return v, ok
}

// GetByUnvaultAddress looks up a vault by its watched unvault address.
func (r *Registry) GetByUnvaultAddress(address string) (*Vault, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byUnvaultAddress[address]
	return v, ok
}

// All returns a snapshot slice of every registered vault. Safe to iterate
// without the registry's lock held, and the slice on which the
// RevocationEngine's late-joiner task pool is built (spec.md §9).
func (r *Registry) All() []*Vault {
	r.mu.Lock()
	defer r.mu.Unlock()

	vaults := make([]*Vault, 0, len(r.byOutpoint))
	for _, v := range r.byOutpoint {
		vaults = append(vaults, v)
	}
	return vaults
}

// Remove deletes a vault from every index. Called when the chain watcher
// observes an unauthorized unvault and has broadcast its cancel (spec.md
// §4.8 step 3).
func (r *Registry) Remove(outpoint wire.OutPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byOutpoint[outpoint]
	if !ok {
		return
	}
	delete(r.byOutpoint, outpoint)
	delete(r.byVaultTxid, v.VaultTxid())
	delete(r.byUnvaultTxid, v.UnvaultTxid())
	for addr, candidate := range r.byVaultAddress {
		if candidate == v {
			delete(r.byVaultAddress, addr)
		}
	}
	for addr, candidate := range r.byUnvaultAddress {
		if candidate == v {
			delete(r.byUnvaultAddress, addr)
		}
	}
}

// SetSig records a collected signature for one of a vault's revocation or
// unvault templates and returns the vault's updated slot table for the
// caller to check completeness. position is the stakeholder the signature
// belongs to, 1-indexed.
func (r *Registry) SetSig(outpoint wire.OutPoint, role txgraph.Role, position vchaincfg.Position, sig []byte) (sign.SigSlots, error) {
	if !position.Valid() {
		return sign.SigSlots{}, fmt.Errorf("vault: invalid position %d", position)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byOutpoint[outpoint]
	if !ok {
		return sign.SigSlots{}, fmt.Errorf("vault: unknown outpoint %s", outpoint)
	}

	switch role {
	case txgraph.RoleEmergency:
		v.EmergencySigs[position-1] = sig
		return v.EmergencySigs, nil
	case txgraph.RoleCancel:
		v.CancelSigs[position-1] = sig
		return v.CancelSigs, nil
	case txgraph.RoleUnvaultEmergency:
		v.UnvaultEmergencySigs[position-1] = sig
		return v.UnvaultEmergencySigs, nil
	case txgraph.RoleUnvault:
		v.UnvaultSigs[position-1] = sig
		return v.UnvaultSigs, nil
	default:
		return sign.SigSlots{}, fmt.Errorf("vault: SetSig: unsupported role %s", role)
	}
}

// MarkAssembled stores a fully-witnessed, mempool-accept-checked
// transaction for role and advances the vault's state machine
// accordingly (spec.md §4.7, §9 "explicit state machine").
func (r *Registry) MarkAssembled(outpoint wire.OutPoint, role txgraph.Role, tx *wire.MsgTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byOutpoint[outpoint]
	if !ok {
		return fmt.Errorf("vault: unknown outpoint %s", outpoint)
	}

	switch role {
	case txgraph.RoleEmergency:
		v.AssembledEmergencyTx = tx
		if v.State == Discovered {
			v.State = EmergencySigned
		}
	case txgraph.RoleCancel:
		v.AssembledCancelTx = tx
		r.maybeAdvanceToRevocationsComplete(v)
	case txgraph.RoleUnvaultEmergency:
		v.AssembledUnvaultEmergencyTx = tx
		r.maybeAdvanceToRevocationsComplete(v)
	case txgraph.RoleUnvault:
		v.AssembledUnvaultTx = tx
		v.State = Secured
	default:
		return fmt.Errorf("vault: MarkAssembled: unsupported role %s", role)
	}
	return nil
}

func (r *Registry) maybeAdvanceToRevocationsComplete(v *Vault) {
	if v.AssembledCancelTx != nil && v.AssembledUnvaultEmergencyTx != nil && v.State < RevocationsComplete {
		v.State = RevocationsComplete
		log.Infof("vault %s revocations complete, unvault signature may now be released", v.VaultTxid())
	}
}

// ReadyToReleaseUnvaultSig reports whether outpoint's vault has reached
// RevocationsComplete, the gate that authorizes pushing this
// stakeholder's withheld unvault signature (spec.md §4.7 step 4, §5).
func (r *Registry) ReadyToReleaseUnvaultSig(outpoint wire.OutPoint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byOutpoint[outpoint]
	if !ok {
		return false, fmt.Errorf("vault: unknown outpoint %s", outpoint)
	}
	return v.State >= RevocationsComplete, nil
}

// MarkUnvaulting transitions a vault into Unvaulting once its withheld
// unvault signature has been pushed.
func (r *Registry) MarkUnvaulting(outpoint wire.OutPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byOutpoint[outpoint]
	if !ok {
		return fmt.Errorf("vault: unknown outpoint %s", outpoint)
	}
	if v.State == RevocationsComplete {
		v.State = Unvaulting
	}
	return nil
}

// MarkEmergencySwept transitions every tracked vault to the terminal
// EmergencySwept state, called once by the chain watcher's global panic
// button (spec.md §4.8 step 2).
func (r *Registry) MarkEmergencySwept() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.byOutpoint {
		v.State = EmergencySwept
	}
}

// PubKeys returns the four stakeholders' online public keys at index,
// needed by the SpendCoordinator to fill out a cosigning-server request
// without reaching into the registry's private derivation state.
func (r *Registry) PubKeys(index uint32) (keys.PubKeySet, error) {
	return r.xpubs.Derive(index)
}

// SetSpendTemplate records tpl as outpoint's in-flight spend and moves the
// vault to SpendInFlight (spec.md §4.9 step 3).
func (r *Registry) SetSpendTemplate(outpoint wire.OutPoint, tpl *txgraph.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byOutpoint[outpoint]
	if !ok {
		return fmt.Errorf("vault: unknown outpoint %s", outpoint)
	}
	v.Spend = tpl
	v.State = SpendInFlight
	return nil
}

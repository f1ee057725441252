package vault

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/txgraph"
)

// Vault is one deposit's full lifecycle record: its outpoint, its
// derivation index and pubkeys, the five template transactions built from
// it, the per-template signature tables, and the state machine tracking
// how far its revocation/securing protocol has progressed.
//
// All mutation of a Vault happens under its owning Registry's lock;
// network I/O (pushing or pulling a signature) never happens while that
// lock is held (spec.md §5).
type Vault struct {
	Outpoint        wire.OutPoint
	Amount          int64
	DerivationIndex uint32

	VaultScript   []byte
	UnvaultScript []byte

	Emergency        *txgraph.Template
	Unvault          *txgraph.Template
	Cancel           *txgraph.Template
	UnvaultEmergency *txgraph.Template

	// Spend is set only while a spend is in flight; it is not part of
	// the vault's steady-state record.
	Spend *txgraph.Template

	EmergencySigs        sign.SigSlots
	CancelSigs           sign.SigSlots
	UnvaultEmergencySigs sign.SigSlots
	UnvaultSigs          sign.SigSlots

	// WithheldUnvaultSig is this stakeholder's own unvault-template
	// signature, computed at insertion but not pushed to the
	// signature-exchange server until RevocationsComplete is reached
	// (spec.md §4.4, §4.7, §5 "ordering guarantees" -- the protocol's
	// core safety property).
	WithheldUnvaultSig []byte

	State State

	// AssembledEmergencyTx, AssembledCancelTx, AssembledUnvaultEmergencyTx,
	// and AssembledUnvaultTx hold the fully-witnessed transactions once
	// all four signatures for each have been collected and the result
	// has passed testmempoolaccept (spec.md §4.7 step 2, §8 invariant 2).
	// Nil until assembled.
	AssembledEmergencyTx        *wire.MsgTx
	AssembledCancelTx           *wire.MsgTx
	AssembledUnvaultEmergencyTx *wire.MsgTx
	AssembledUnvaultTx          *wire.MsgTx
}

// UnvaultOutpoint returns the outpoint the cancel and unvault-emergency
// templates spend: the unvault template's single output. Segwit
// signatures do not affect a transaction's hash, so this outpoint is fixed
// from the moment the unvault template is built, long before it is
// broadcast (the "pre-signed revocation" construction the whole protocol
// rests on).
func (v *Vault) UnvaultOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: v.Unvault.Tx.TxHash(), Index: 0}
}

// VaultTxid returns the hex txid of the outpoint this vault was deposited
// to.
func (v *Vault) VaultTxid() string {
	return v.Outpoint.Hash.String()
}

// UnvaultTxid returns the hex txid of the unvault template.
func (v *Vault) UnvaultTxid() string {
	txid := v.Unvault.Tx.TxHash()
	return txid.String()
}

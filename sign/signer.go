// Package sign computes sighashes and signatures for each template
// transaction and assembles the final witnesses from collected signatures.
// This is component C3 of the specification. The witness layouts mirror
// lnwallet/script_utils.go's hand-built wire.TxWitness slices rather than
// a generic PSBT finalizer, since BIP-174 is explicitly out of scope
// (spec.md §1 Non-goals).
package sign

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Role distinguishes which witness layout a template requires.
type Role int

const (
	// RoleVaultSpend covers the vault-spending paths: unvault, and
	// emergency-from-vault. Witness: [empty, sig1..sig4, vault_script].
	RoleVaultSpend Role = iota

	// RoleUnvaultAllFour covers cancel and unvault-emergency: the
	// all-four immediate branch of the unvault script. Witness:
	// [sig4, sig3, sig2, sig1, unvault_script], no leading empty byte.
	RoleUnvaultAllFour

	// RoleUnvaultTimelocked covers spend: the timelocked branch of the
	// unvault script. Witness: [cosig, empty, sig2, sig1,
	// unvault_script]. The empty slot stands in for position 3's
	// signature, which a spend never carries.
	RoleUnvaultTimelocked
)

// SigHashType is the sighash flag a signature is produced under. The three
// revocation templates (emergency-from-vault, cancel, unvault-emergency)
// use SINGLE|ANYONECANPAY uniformly, per the Open Question resolution in
// spec.md §9: this keeps those signatures composable with a fee-bump that
// appends an extra input, rather than the source's single-sighash-ALL
// fee-bump helper that silently invalidated existing signatures.
type SigHashType = txscript.SigHashType

const (
	// SigHashAllFlag is used for the unvault template and for the two
	// trader signatures plus cosigning-server signature on a spend: none
	// of those are ever fee-bumped by appending an input.
	SigHashAllFlag = txscript.SigHashAll

	// SigHashRevocationFlag is used for the three revocation templates
	// (emergency-from-vault, cancel, unvault-emergency), so that a
	// fee-bump may append an additional input without invalidating the
	// existing signatures.
	SigHashRevocationFlag = txscript.SigHashSingle | txscript.SigHashAnyOneCanPay
)

// Signer produces signatures under one stakeholder's private keys and
// assembles final witnesses once all required signatures have been
// collected.
type Signer struct{}

// New returns a Signer. It is stateless: all key material is passed
// explicitly to Sign, matching the teacher's preference for narrow,
// dependency-free leaf types (lnwallet/script_utils.go's witness builders
// take every key as an argument rather than holding it on a receiver).
func New() *Signer { return &Signer{} }

// Sign computes the segwit v0 sighash for the given input of tx against
// witnessScript and prevOutValue, and returns a DER signature with the
// sighash-type byte appended.
func (s *Signer) Sign(tx *wire.MsgTx, inputIndex int, witnessScript []byte,
	prevOutValue int64, sigHashType SigHashType, priv *btcec.PrivateKey) ([]byte, error) {

	hashCache := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(
		nil, prevOutValue,
	))

	sigHash, err := txscript.CalcWitnessSigHash(
		witnessScript, hashCache, sigHashType, tx, inputIndex, prevOutValue,
	)
	if err != nil {
		return nil, fmt.Errorf("sign: compute sighash: %w", err)
	}

	sig := ecdsa.Sign(priv, sigHash)
	log.Debugf("signed input %d of %s under sighash type %#x", inputIndex, tx.TxHash(), byte(sigHashType))
	return append(sig.Serialize(), byte(sigHashType)), nil
}

// SigSlots is a fixed four-element signature table, indexed by
// stakeholder position minus one (position 1 is index 0).
type SigSlots [4][]byte

// Complete reports whether all four slots are filled.
func (s SigSlots) Complete() bool {
	for _, sig := range s {
		if len(sig) == 0 {
			return false
		}
	}
	return true
}

// AssembleVaultSpendWitness builds the witness for a vault-spending path
// (unvault or emergency-from-vault): [empty, sig1, sig2, sig3, sig4,
// vault_script]. All four slots must be filled.
func AssembleVaultSpendWitness(sigs SigSlots, vaultScript []byte) (wire.TxWitness, error) {
	if !sigs.Complete() {
		return nil, fmt.Errorf("sign: incomplete signature set for vault-spend witness")
	}

	witness := make(wire.TxWitness, 6)
	witness[0] = nil
	witness[1] = sigs[0]
	witness[2] = sigs[1]
	witness[3] = sigs[2]
	witness[4] = sigs[3]
	witness[5] = vaultScript
	return witness, nil
}

// AssembleUnvaultAllFourWitness builds the witness for the all-four
// immediate branch of the unvault script (cancel, unvault-emergency):
// [sig4, sig3, sig2, sig1, unvault_script] -- signatures in reverse
// stakeholder order, no leading empty byte (spec.md §4.3).
func AssembleUnvaultAllFourWitness(sigs SigSlots, unvaultScript []byte) (wire.TxWitness, error) {
	if !sigs.Complete() {
		return nil, fmt.Errorf("sign: incomplete signature set for unvault all-four witness")
	}

	witness := make(wire.TxWitness, 5)
	witness[0] = sigs[3]
	witness[1] = sigs[2]
	witness[2] = sigs[1]
	witness[3] = sigs[0]
	witness[4] = unvaultScript
	return witness, nil
}

// AssembleSpendWitness builds the witness for the timelocked branch of the
// unvault script (a spend): [cosig, empty, sig_trader2, sig_trader1,
// unvault_script]. The empty second element is not a spare slot for an
// unused non-trader signature -- UnvaultScript's OP_DUP/OP_IF construction
// shares a single witness item between the branch selector and position
// 3's signature, and a spend never carries a real position-3 signature, so
// that item is always empty here. Traders 1 and 2 must both be filled.
func AssembleSpendWitness(sigs SigSlots, cosig, unvaultScript []byte) (wire.TxWitness, error) {
	if len(sigs[0]) == 0 || len(sigs[1]) == 0 {
		return nil, fmt.Errorf("sign: both trader signatures are required for a spend witness")
	}
	if len(cosig) == 0 {
		return nil, fmt.Errorf("sign: cosigning-server signature is required for a spend witness")
	}

	witness := make(wire.TxWitness, 5)
	witness[0] = cosig
	witness[1] = nil
	witness[2] = sigs[1]
	witness[3] = sigs[0]
	witness[4] = unvaultScript
	return witness, nil
}

// Package txgraph builds the five single-input template transactions a
// vault moves through (emergency, unvault, cancel, unvault-emergency, each
// with one output, and spend, with one output per destination), stamps the
// four single-output ones with a feerate-derived output amount, and offers the single-input fee-bump the revocation signatures
// are crafted to tolerate. This is component C2 of the specification.
//
// Fee/weight accounting follows the teacher's sweep/txgenerator.go: measure
// a dummy-witness build's virtual size, then rebuild with the real output
// amount. Unlike txgenerator.go, which bounds witness size with an
// upper-bound helper because input scripts vary by channel type, every
// script here has a fixed, known element count, so the dummy witness is
// built with that exact element count, each signature placeholder at the
// worst-case signature length.
package txgraph

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Role names a template's position in the vault's lifecycle, matching the
// role strings the signature-exchange server's feerate endpoint expects
// (spec.md §4.2, §6).
type Role string

const (
	RoleEmergency        Role = "emergency"
	RoleUnvault          Role = "unvault"
	RoleCancel           Role = "cancel"
	RoleUnvaultEmergency Role = "unvault-emergency"
	RoleSpend            Role = "spend"
)

// txVersion is the fixed transaction version every template uses
// (spec.md §6).
const txVersion = 2

// maxDERSignatureLen is the worst-case length of a DER-encoded ECDSA
// signature plus its trailing sighash-type byte: 6 bytes of DER framing,
// a 33-byte R (32 bytes plus a leading zero), a low-S S of at most 32
// bytes, plus the sighash byte. Used to size dummy witness placeholders so the
// measured virtual size never under-estimates the real one.
const maxDERSignatureLen = 72

// Template is an unsigned or partially-assembled single-input,
// single-output transaction together with the witness script its input
// spends and the value of the output it consumes.
type Template struct {
	Role Role

	Tx *wire.MsgTx

	// WitnessScript is the script the single input's witness must
	// satisfy.
	WitnessScript []byte

	// PrevOutValue is the value, in satoshis, of the output this
	// template's single input spends. Required to compute the segwit v0
	// sighash.
	PrevOutValue int64

	// Feerate is the feerate, in satoshis per vbyte, this template was
	// stamped with. Recorded so a caller can tell whether a
	// (role, txid) feerate has already been frozen (spec.md §4.2).
	Feerate float64
}

// FeerateSource resolves the frozen feerate for a (role, txid) pair, as
// served by the signature-exchange server's /feerate endpoint (spec.md
// §4.2, §6). Defined here rather than importing the sigexchange package
// directly, to keep txgraph free of any network-client dependency -- it
// only needs a number.
type FeerateSource interface {
	// Feerate returns the feerate in satoshis per vbyte for the given
	// role and the txid of a dummy-amount build of that template. The
	// first call for a given (role, txid) pair freezes the value on the
	// server; every later call must return the same number.
	Feerate(role Role, txid chainhash.Hash) (satPerVByte float64, err error)
}

// virtualSize measures a transaction's virtual size in the sense BIP-141
// defines it: ceil(weight / 4).
func virtualSize(tx *wire.MsgTx) int64 {
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	return (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor
}

// stampOutput sets the value of tpl's single output so that
// value = prevOutValue - vsize*feerate, after placing the given worst-case
// dummy witness on the input to measure vsize. It mutates tpl.Tx in place
// and returns an error if the result would be zero or negative; it does
// not check the result against the dust threshold.
func stampOutput(tpl *Template, dummyWitness wire.TxWitness, feerates FeerateSource) error {
	tpl.Tx.TxIn[0].Witness = dummyWitness

	dummyTxid := tpl.Tx.TxHash()
	feerate, err := feerates.Feerate(tpl.Role, dummyTxid)
	if err != nil {
		return fmt.Errorf("txgraph: resolve feerate for %s: %w", tpl.Role, err)
	}

	vsize := virtualSize(tpl.Tx)
	fee := int64(float64(vsize) * feerate)

	outputValue := tpl.PrevOutValue - fee
	if outputValue <= 0 {
		return fmt.Errorf(
			"txgraph: %s template: fee %d exceeds input value %d",
			tpl.Role, fee, tpl.PrevOutValue)
	}

	tpl.Tx.TxOut[0].Value = outputValue
	tpl.Feerate = feerate
	log.Debugf("stamped %s template %s: vsize=%d feerate=%.2f fee=%d output=%d",
		tpl.Role, dummyTxid, vsize, feerate, fee, outputValue)

	// The dummy witness is discarded; real signatures are assembled once
	// collected (sign.AssembleVaultSpendWitness et al).
	tpl.Tx.TxIn[0].Witness = nil

	return nil
}

// dummyVaultSpendWitness returns a placeholder witness of the exact shape
// AssembleVaultSpendWitness produces: [empty, sig1..sig4, vault_script].
func dummyVaultSpendWitness(vaultScript []byte) wire.TxWitness {
	w := make(wire.TxWitness, 6)
	w[0] = nil
	for i := 1; i <= 4; i++ {
		w[i] = make([]byte, maxDERSignatureLen)
	}
	w[5] = vaultScript
	return w
}

// dummyUnvaultAllFourWitness returns a placeholder witness of the exact
// shape AssembleUnvaultAllFourWitness produces: [sig4, sig3, sig2, sig1,
// unvault_script].
func dummyUnvaultAllFourWitness(unvaultScript []byte) wire.TxWitness {
	w := make(wire.TxWitness, 5)
	for i := 0; i < 4; i++ {
		w[i] = make([]byte, maxDERSignatureLen)
	}
	w[4] = unvaultScript
	return w
}

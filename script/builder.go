// Package script builds the three witness scripts the vault protocol uses
// (vault, unvault, emergency) and derives their segwit addresses. This is
// component C1 of the specification.
//
// The encoding choices here follow the teacher's style in
// lnwallet/script_utils.go (an OP_IF/OP_ELSE branch script with explicit
// CHECKSIGVERIFY chains for the commit-to-self script, a classic
// OP_CHECKMULTISIG for the funding script) rather than reaching for
// Taproot/MuSig constructions; the spec requires bit-for-bit witness
// compatibility with a classic multisig opcode for the vault and emergency
// paths (spec.md §4.1).
package script

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/keys"
)

// Builder constructs the vault, unvault, and emergency witness scripts for a
// fixed four-stakeholder arrangement. It holds no secret material; all of
// its methods are pure functions of their arguments, so every stakeholder's
// Builder derives byte-identical scripts and addresses given the same
// pubkeys (spec.md §8 invariant 3).
type Builder struct {
	params *chaincfg.Params
}

// NewBuilder returns a Builder for the given network.
func NewBuilder(params *chaincfg.Params) *Builder {
	return &Builder{params: params}
}

// VaultScript builds the 4-of-4 classic multisig redeem script requiring a
// valid signature from each of the four stakeholders' online pubkeys at the
// vault's derivation index.
func (b *Builder) VaultScript(pubKeys keys.PubKeySet) ([]byte, error) {
	return b.emergencyStyleMultisig(pubKeys[:])
}

// EmergencyScript builds the 4-of-4 multisig over the fixed offline
// emergency pubkeys, gated by a relative timelock of
// vchaincfg.EmergencyCSVDelay blocks (spec.md §4.1).
func (b *Builder) EmergencyScript(pubKeys keys.EmergencyPubKeySet) ([]byte, error) {
	multisig, err := rawMultisig(pubKeys[:])
	if err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(vchaincfg.EmergencyCSVDelay)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOps(multisig)
	return builder.Script()
}

// emergencyStyleMultisig is the plain (untimelocked) 4-of-4 used by the
// vault script; only VaultScript calls it.
func (b *Builder) emergencyStyleMultisig(pubKeys []*btcec.PublicKey) ([]byte, error) {
	return rawMultisigScript(pubKeys)
}

// rawMultisigScript wraps rawMultisig's raw opcodes into a runnable script.
func rawMultisigScript(pubKeys []*btcec.PublicKey) ([]byte, error) {
	ops, err := rawMultisig(pubKeys)
	if err != nil {
		return nil, err
	}
	builder := txscript.NewScriptBuilder()
	builder.AddOps(ops)
	return builder.Script()
}

// rawMultisig returns the serialized `OP_<n> <pubkeys...> OP_<n>
// OP_CHECKMULTISIG` script fragment for an n-of-n. Pubkeys are embedded in
// the order given -- stakeholder position order, not BIP67's lexicographic
// order -- since the four positions are already fixed and known to every
// party; reordering them would only make the fixed witness layouts in
// sign/signer.go harder to reason about for no benefit (spec.md §4.1, §8
// invariant 3).
func rawMultisig(pubKeys []*btcec.PublicKey) ([]byte, error) {
	if len(pubKeys) == 0 {
		return nil, fmt.Errorf("script: empty pubkey set")
	}

	builder := txscript.NewScriptBuilder()
	n := int64(len(pubKeys))
	builder.AddInt64(n)
	for _, p := range pubKeys {
		builder.AddData(p.SerializeCompressed())
	}
	builder.AddInt64(n)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// UnvaultScript builds the branching unvault script:
//
//	<trader1 sig> <trader2 sig>
//	DUP
//	IF
//	    <nontrader3 sig> <nontrader4 sig>          -- all-four immediate path
//	ELSE
//	    DROP
//	    <6 CSV> <cosig server sig>                 -- timelocked path
//	ENDIF
//
// The OP_DUP ahead of OP_IF is the load-bearing trick: the branch selector
// and the position-3 signature are the same witness item. On the all-four
// path that item is stakeholder 3's real signature, so the duplicate left
// by OP_DUP is consumed as the OP_IF boolean while the original is still on
// the stack to be checked a moment later; on the timelocked path the item
// is the empty witness element that keeps the stack depth uniform across
// both branches, which OP_IF reads as false and OP_DROP then discards.
// Position 4's signature sits one level deeper and is never duplicated; it
// is checked plainly, last, on the all-four path only. Both branches
// additionally require the two trader signatures, checked ahead of the
// branch. Witness stack ordering for each path is fixed by
// sign.AssembleUnvaultAllFourWitness and sign.AssembleSpendWitness
// respectively (spec.md §4.1, §4.3).
func (b *Builder) UnvaultScript(pubKeys keys.PubKeySet, cosignerKey *btcec.PublicKey) ([]byte, error) {
	trader1, trader2 := pubKeys[0], pubKeys[1]
	nonTrader3, nonTrader4 := pubKeys[2], pubKeys[3]

	builder := txscript.NewScriptBuilder()

	// The two trader signatures are mandatory on every spending path.
	builder.AddData(trader1.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddData(trader2.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_IF)

	// All-four path: check the duplicated position-3 signature left on
	// the stack by OP_DUP, then position 4's, used by cancel and
	// unvault-emergency.
	builder.AddData(nonTrader3.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddData(nonTrader4.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)

	// Timelocked path: discard the empty placeholder OP_DUP left behind,
	// then a six-block relative timelock, then the cosigning server's
	// signature.
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(vchaincfg.UnvaultCSVDelay)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(cosignerKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// WitnessScriptHash generates a P2WSH output script paying to the hash of
// the passed witness script.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	sha := shaScript(witnessScript)
	builder.AddData(sha[:])
	return builder.Script()
}

// Address derives the bech32 P2WSH address paying to witnessScript.
func (b *Builder) Address(witnessScript []byte) (btcutil.Address, error) {
	sha := shaScript(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(sha[:], b.params)
	if err != nil {
		return nil, err
	}
	log.Debugf("derived P2WSH address %s for a %d-byte witness script", addr.EncodeAddress(), len(witnessScript))
	return addr, nil
}

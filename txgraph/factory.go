package txgraph

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/script"
)

// relayFeePerKb is the fee rate txrules.IsDustAmount measures a destination
// output against, matching bitcoind's own default minimum relay fee rather
// than the feerate this particular spend happened to be built at.
const relayFeePerKb = btcutil.Amount(1000)

// Destination is one output of a spend template: an address, its parsed
// scriptPubKey, and the satoshi amount the initiator chose to pay it.
// Parsing the address once here, rather than threading the raw string
// through transaction construction, is the typed replacement for the
// source's dynamically-typed destinations map (spec.md §9, "Dynamic typing
// of the destinations map").
type Destination struct {
	Address  btcutil.Address
	PkScript []byte
	Amount   btcutil.Amount
}

// Destinations is an ordered set of outputs. Ordering is deterministic
// (lexicographic by address string) so that every independent party who
// rebuilds a spend template from the same address->amount map -- trader B
// on accept, every passive stakeholder's approval check -- produces a
// byte-identical transaction (spec.md §8 invariant, "round-trip /
// idempotence").
type Destinations []Destination

// ParseDestinations parses a caller-supplied address -> satoshi-amount map
// into an ordered Destinations value.
func ParseDestinations(params *chaincfg.Params, addressAmounts map[string]int64) (Destinations, error) {
	addrStrs := make([]string, 0, len(addressAmounts))
	for addr := range addressAmounts {
		addrStrs = append(addrStrs, addr)
	}
	sort.Strings(addrStrs)

	dests := make(Destinations, 0, len(addrStrs))
	for _, addrStr := range addrStrs {
		addr, err := btcutil.DecodeAddress(addrStr, params)
		if err != nil {
			return nil, fmt.Errorf("txgraph: parse destination address %q: %w", addrStr, err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("txgraph: script for destination address %q: %w", addrStr, err)
		}
		dests = append(dests, Destination{
			Address:  addr,
			PkScript: pkScript,
			Amount:   btcutil.Amount(addressAmounts[addrStr]),
		})
	}
	return dests, nil
}

// Factory builds the five template transactions for a vault outpoint and
// stamps each single-output template with a feerate-derived output amount.
type Factory struct {
	builder  *script.Builder
	feerates FeerateSource
}

// NewFactory returns a Factory. builder must be the same ScriptBuilder
// configuration every stakeholder uses, so every node derives byte-for-byte
// identical templates (spec.md §8 invariant 3).
func NewFactory(builder *script.Builder, feerates FeerateSource) *Factory {
	return &Factory{builder: builder, feerates: feerates}
}

// EmergencyFromVault builds the emergency-from-vault template: spends the
// vault outpoint to the emergency script.
func (f *Factory) EmergencyFromVault(vaultOutpoint wire.OutPoint, vaultAmount int64,
	vaultScript []byte, emergencyScript []byte) (*Template, error) {

	tx := singleInputSingleOutputTx(vaultOutpoint, 0)

	outputScript, err := script.WitnessScriptHash(emergencyScript)
	if err != nil {
		return nil, fmt.Errorf("txgraph: emergency output script: %w", err)
	}
	tx.TxOut[0].PkScript = outputScript

	tpl := &Template{
		Role:          RoleEmergency,
		Tx:            tx,
		WitnessScript: vaultScript,
		PrevOutValue:  vaultAmount,
	}
	if err := stampOutput(tpl, dummyVaultSpendWitness(vaultScript), f.feerates); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Unvault builds the unvault template: spends the vault outpoint to the
// unvault script.
func (f *Factory) Unvault(vaultOutpoint wire.OutPoint, vaultAmount int64,
	vaultScript, unvaultScript []byte) (*Template, error) {

	tx := singleInputSingleOutputTx(vaultOutpoint, 0)

	outputScript, err := script.WitnessScriptHash(unvaultScript)
	if err != nil {
		return nil, fmt.Errorf("txgraph: unvault output script: %w", err)
	}
	tx.TxOut[0].PkScript = outputScript

	tpl := &Template{
		Role:          RoleUnvault,
		Tx:            tx,
		WitnessScript: vaultScript,
		PrevOutValue:  vaultAmount,
	}
	if err := stampOutput(tpl, dummyVaultSpendWitness(vaultScript), f.feerates); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Cancel builds the cancel template: spends the unvault outpoint back to
// the same vault script (the all-four immediate branch of the unvault
// script), re-vaulting the funds.
func (f *Factory) Cancel(unvaultOutpoint wire.OutPoint, unvaultAmount int64,
	unvaultScript, vaultScript []byte) (*Template, error) {

	tx := singleInputSingleOutputTx(unvaultOutpoint, 0)

	outputScript, err := script.WitnessScriptHash(vaultScript)
	if err != nil {
		return nil, fmt.Errorf("txgraph: cancel output script: %w", err)
	}
	tx.TxOut[0].PkScript = outputScript

	tpl := &Template{
		Role:          RoleCancel,
		Tx:            tx,
		WitnessScript: unvaultScript,
		PrevOutValue:  unvaultAmount,
	}
	if err := stampOutput(tpl, dummyUnvaultAllFourWitness(unvaultScript), f.feerates); err != nil {
		return nil, err
	}
	return tpl, nil
}

// UnvaultEmergency builds the unvault-emergency template: spends the
// unvault outpoint (all-four branch) to the emergency script.
func (f *Factory) UnvaultEmergency(unvaultOutpoint wire.OutPoint, unvaultAmount int64,
	unvaultScript, emergencyScript []byte) (*Template, error) {

	tx := singleInputSingleOutputTx(unvaultOutpoint, 0)

	outputScript, err := script.WitnessScriptHash(emergencyScript)
	if err != nil {
		return nil, fmt.Errorf("txgraph: unvault-emergency output script: %w", err)
	}
	tx.TxOut[0].PkScript = outputScript

	tpl := &Template{
		Role:          RoleUnvaultEmergency,
		Tx:            tx,
		WitnessScript: unvaultScript,
		PrevOutValue:  unvaultAmount,
	}
	if err := stampOutput(tpl, dummyUnvaultAllFourWitness(unvaultScript), f.feerates); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Spend builds the spend template: spends the unvault outpoint (timelocked
// branch) to the caller-supplied destination set, with nSequence set to
// vchaincfg.UnvaultCSVDelay to activate the relative timelock (spec.md
// §4.2, §6). Unlike the other four templates, a spend's output amounts are
// not derived by this factory -- the initiator already chose final,
// fee-accounted amounts when building Destinations (spec.md §8 scenario 4:
// "amount = 10^9 - 50000"), so Spend performs no fee stamping of its own.
func (f *Factory) Spend(unvaultOutpoint wire.OutPoint, unvaultAmount int64,
	unvaultScript []byte, destinations Destinations) (*Template, error) {

	if len(destinations) == 0 {
		return nil, fmt.Errorf("txgraph: spend template requires at least one destination")
	}

	total := btcutil.Amount(0)
	tx := wire.NewMsgTx(txVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: unvaultOutpoint,
		Sequence:         vchaincfg.UnvaultCSVDelay,
	})
	for _, dest := range destinations {
		if txrules.IsDustAmount(dest.Amount, len(dest.PkScript), relayFeePerKb) {
			return nil, fmt.Errorf(
				"txgraph: destination %s amount %d is dust", dest.Address.EncodeAddress(), dest.Amount)
		}
		tx.AddTxOut(&wire.TxOut{
			Value:    int64(dest.Amount),
			PkScript: dest.PkScript,
		})
		total += dest.Amount
	}
	if int64(total) > unvaultAmount {
		return nil, fmt.Errorf(
			"txgraph: spend destinations total %d exceeds unvault value %d",
			total, unvaultAmount)
	}

	return &Template{
		Role:          RoleSpend,
		Tx:            tx,
		WitnessScript: unvaultScript,
		PrevOutValue:  unvaultAmount,
	}, nil
}

// singleInputSingleOutputTx returns the skeleton every template but Spend
// shares: version 2, one input at the default (final) sequence, one empty
// output to be filled in by the caller.
func singleInputSingleOutputTx(outpoint wire.OutPoint, sequence uint32) *wire.MsgTx {
	if sequence == 0 {
		sequence = wire.MaxTxInSequenceNum
	}
	tx := wire.NewMsgTx(txVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: outpoint, Sequence: sequence})
	tx.AddTxOut(&wire.TxOut{})
	return tx
}

// AppendFeeBumpInput appends a single extra input to tpl spending
// bumpOutpoint; the caller must still produce and attach a signature for
// the new input under sign.SigHashRevocationFlag. This is sound only
// because every revocation template's existing signatures were made with
// SINGLE|ANYONECANPAY (spec.md §9, resolving the Open Question: the
// source's fee-bump helper used a plain SIGHASH_ALL P2WPKH input and
// silently invalidated the existing signatures). Callers must not call
// this on the unvault or spend templates, whose signatures are SIGHASH_ALL
// and would be invalidated by a new input.
func AppendFeeBumpInput(tpl *Template, bumpOutpoint wire.OutPoint) error {
	switch tpl.Role {
	case RoleEmergency, RoleCancel, RoleUnvaultEmergency:
	default:
		return fmt.Errorf(
			"txgraph: fee-bump is only sound on revocation templates, not %s",
			tpl.Role)
	}

	tpl.Tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: bumpOutpoint,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	return nil
}

package sign_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/re-vault/revault-demo/keys"
	"github.com/re-vault/revault-demo/script"
	"github.com/re-vault/revault-demo/sign"
)

// fourKeys returns four private keys and their PubKeySet, in position
// order, for building a 4-of-4 vault script and signing its spends.
func fourKeys(t *testing.T) ([4]*btcec.PrivateKey, keys.PubKeySet) {
	t.Helper()
	var privs [4]*btcec.PrivateKey
	var pubs keys.PubKeySet
	for i := range privs {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		privs[i] = priv
		pubs[i] = priv.PubKey()
	}
	return privs, pubs
}

// TestVaultSpendWitnessVerifies builds a vault script, an unvault
// transaction spending it, signs it with all four stakeholders under
// SigHashAllFlag, assembles the witness, and runs the real script engine
// against it -- the strongest evidence the witness layout in
// AssembleVaultSpendWitness actually matches what VaultScript expects on
// its stack.
func TestVaultSpendWitnessVerifies(t *testing.T) {
	privs, pubs := fourKeys(t)
	builder := script.NewBuilder(&chaincfg.RegressionNetParams)
	signer := sign.New()

	vaultScript, err := builder.VaultScript(pubs)
	require.NoError(t, err)
	outputScript, err := script.WitnessScriptHash(vaultScript)
	require.NoError(t, err)

	const prevValue = int64(1_000_000)
	prevOut := wire.OutPoint{Index: 0}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: prevOut})
	tx.AddTxOut(&wire.TxOut{Value: prevValue - 1000, PkScript: outputScript})

	var sigs sign.SigSlots
	for i, priv := range privs {
		sig, err := signer.Sign(tx, 0, vaultScript, prevValue, sign.SigHashAllFlag, priv)
		require.NoError(t, err)
		sigs[i] = sig
	}
	require.True(t, sigs.Complete())

	witness, err := sign.AssembleVaultSpendWitness(sigs, vaultScript)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness

	prevFetcher := txscript.NewCannedPrevOutputFetcher(outputScript, prevValue)
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)
	vm, err := txscript.NewEngine(
		outputScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, prevValue, prevFetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestUnvaultAllFourWitnessVerifies exercises the cancel/unvault-emergency
// branch of the unvault script: both traders plus the two non-trader
// signatures, assembled in reverse order with no leading empty witness
// item.
func TestUnvaultAllFourWitnessVerifies(t *testing.T) {
	privs, pubs := fourKeys(t)
	cosignerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	builder := script.NewBuilder(&chaincfg.RegressionNetParams)
	signer := sign.New()

	unvaultScript, err := builder.UnvaultScript(pubs, cosignerPriv.PubKey())
	require.NoError(t, err)
	outputScript, err := script.WitnessScriptHash(unvaultScript)
	require.NoError(t, err)

	const prevValue = int64(1_000_000)
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: prevValue - 1000, PkScript: outputScript})

	var sigs sign.SigSlots
	for i, priv := range privs {
		sig, err := signer.Sign(tx, 0, unvaultScript, prevValue, sign.SigHashRevocationFlag, priv)
		require.NoError(t, err)
		sigs[i] = sig
	}

	witness, err := sign.AssembleUnvaultAllFourWitness(sigs, unvaultScript)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness

	prevFetcher := txscript.NewCannedPrevOutputFetcher(outputScript, prevValue)
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)
	vm, err := txscript.NewEngine(
		outputScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, prevValue, prevFetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestSpendWitnessRequiresTimelock runs the timelocked branch's witness
// against a transaction whose nSequence does not satisfy
// vchaincfg.UnvaultCSVDelay, and confirms the engine rejects it -- the
// CSV enforcement a spend relies on to block trader-only withdrawal
// before six confirmations.
func TestSpendWitnessRequiresTimelock(t *testing.T) {
	privs, pubs := fourKeys(t)
	cosignerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	builder := script.NewBuilder(&chaincfg.RegressionNetParams)
	signer := sign.New()

	unvaultScript, err := builder.UnvaultScript(pubs, cosignerPriv.PubKey())
	require.NoError(t, err)
	outputScript, err := script.WitnessScriptHash(unvaultScript)
	require.NoError(t, err)

	const prevValue = int64(1_000_000)
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
		Sequence:         0, // final, not relative-timelocked: must fail CSV
	})
	tx.AddTxOut(&wire.TxOut{Value: prevValue - 1000, PkScript: outputScript})

	var sigs sign.SigSlots
	sigs[0], err = signer.Sign(tx, 0, unvaultScript, prevValue, sign.SigHashAllFlag, privs[0])
	require.NoError(t, err)
	sigs[1], err = signer.Sign(tx, 0, unvaultScript, prevValue, sign.SigHashAllFlag, privs[1])
	require.NoError(t, err)
	cosig, err := signer.Sign(tx, 0, unvaultScript, prevValue, sign.SigHashAllFlag, cosignerPriv)
	require.NoError(t, err)

	witness, err := sign.AssembleSpendWitness(sigs, cosig, unvaultScript)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness

	prevFetcher := txscript.NewCannedPrevOutputFetcher(outputScript, prevValue)
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)
	vm, err := txscript.NewEngine(
		outputScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, prevValue, prevFetcher,
	)
	require.NoError(t, err)
	require.Error(t, vm.Execute())
}

func TestAssembleVaultSpendWitnessRejectsIncompleteSigs(t *testing.T) {
	var sigs sign.SigSlots
	sigs[0] = []byte{0x01}
	_, err := sign.AssembleVaultSpendWitness(sigs, []byte{0x51})
	require.Error(t, err)
}

func TestAssembleSpendWitnessRequiresBothTraders(t *testing.T) {
	var sigs sign.SigSlots
	sigs[0] = []byte{0x01}
	_, err := sign.AssembleSpendWitness(sigs, []byte{0x02}, []byte{0x51})
	require.Error(t, err)
}

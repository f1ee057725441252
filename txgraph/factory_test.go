package txgraph_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/re-vault/revault-demo/keys"
	"github.com/re-vault/revault-demo/script"
	"github.com/re-vault/revault-demo/txgraph"
)

// fixedFeerate is a FeerateSource stub standing in for the
// signature-exchange server: every (role, txid) pair gets the same
// feerate, recorded so a test can assert it was actually consulted.
type fixedFeerate struct {
	satPerVByte float64
	calls       []txgraph.Role
}

func (f *fixedFeerate) Feerate(role txgraph.Role, _ chainhash.Hash) (float64, error) {
	f.calls = append(f.calls, role)
	return f.satPerVByte, nil
}

func randPubKeySet(t *testing.T) keys.PubKeySet {
	t.Helper()
	var set keys.PubKeySet
	for i := range set {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		set[i] = priv.PubKey()
	}
	return set
}

func newFactory(t *testing.T, feerates txgraph.FeerateSource) (*txgraph.Factory, []byte, []byte) {
	t.Helper()
	builder := script.NewBuilder(&chaincfg.RegressionNetParams)
	pubKeys := randPubKeySet(t)
	cosignerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	vaultScript, err := builder.VaultScript(pubKeys)
	require.NoError(t, err)
	unvaultScript, err := builder.UnvaultScript(pubKeys, cosignerPriv.PubKey())
	require.NoError(t, err)

	return txgraph.NewFactory(builder, feerates), vaultScript, unvaultScript
}

func TestEmergencyFromVaultStampsFeeDerivedOutput(t *testing.T) {
	feerates := &fixedFeerate{satPerVByte: 2}
	factory, vaultScript, _ := newFactory(t, feerates)

	emergencyScript := append([]byte{0x51}, vaultScript...) // any distinct script works here

	const vaultAmount = int64(1_000_000)
	tpl, err := factory.EmergencyFromVault(wire.OutPoint{}, vaultAmount, vaultScript, emergencyScript)
	require.NoError(t, err)

	require.Equal(t, txgraph.RoleEmergency, tpl.Role)
	require.Equal(t, float64(2), tpl.Feerate)
	require.Less(t, tpl.Tx.TxOut[0].Value, vaultAmount)
	require.Greater(t, tpl.Tx.TxOut[0].Value, int64(0))
	require.Equal(t, []txgraph.Role{txgraph.RoleEmergency}, feerates.calls)

	// The dummy witness used to measure vsize must not leak into the
	// returned template -- real signatures are assembled later.
	require.Nil(t, tpl.Tx.TxIn[0].Witness)
}

func TestUnvaultAndCancelUseTheirOwnRoleWhenQueryingFeerate(t *testing.T) {
	feerates := &fixedFeerate{satPerVByte: 3}
	factory, vaultScript, unvaultScript := newFactory(t, feerates)

	const vaultAmount = int64(1_000_000)
	unvaultTpl, err := factory.Unvault(wire.OutPoint{}, vaultAmount, vaultScript, unvaultScript)
	require.NoError(t, err)
	require.Equal(t, txgraph.RoleUnvault, unvaultTpl.Role)

	cancelTpl, err := factory.Cancel(wire.OutPoint{Index: 1}, unvaultTpl.Tx.TxOut[0].Value,
		unvaultScript, vaultScript)
	require.NoError(t, err)
	require.Equal(t, txgraph.RoleCancel, cancelTpl.Role)

	require.Equal(t, []txgraph.Role{txgraph.RoleUnvault, txgraph.RoleCancel}, feerates.calls)
}

func TestEmergencyFromVaultRejectsFeeExceedingInputValue(t *testing.T) {
	feerates := &fixedFeerate{satPerVByte: 1_000_000}
	factory, vaultScript, _ := newFactory(t, feerates)

	_, err := factory.EmergencyFromVault(wire.OutPoint{}, 1000, vaultScript, vaultScript)
	require.Error(t, err)
}

func TestSpendTotalExceedingUnvaultValueIsRejected(t *testing.T) {
	feerates := &fixedFeerate{satPerVByte: 2}
	factory, _, unvaultScript := newFactory(t, feerates)

	params := &chaincfg.RegressionNetParams
	addr, err := addrForRegtest(t)
	require.NoError(t, err)

	dests, err := txgraph.ParseDestinations(params, map[string]int64{addr: 2_000_000})
	require.NoError(t, err)

	_, err = factory.Spend(wire.OutPoint{}, 1_000_000, unvaultScript, dests)
	require.Error(t, err)
}

func TestSpendRejectsDustDestination(t *testing.T) {
	feerates := &fixedFeerate{satPerVByte: 2}
	factory, _, unvaultScript := newFactory(t, feerates)

	params := &chaincfg.RegressionNetParams
	addr, err := addrForRegtest(t)
	require.NoError(t, err)

	dests, err := txgraph.ParseDestinations(params, map[string]int64{addr: 1})
	require.NoError(t, err)

	_, err = factory.Spend(wire.OutPoint{}, 1_000_000, unvaultScript, dests)
	require.Error(t, err)
}

func TestSpendRequiresAtLeastOneDestination(t *testing.T) {
	feerates := &fixedFeerate{satPerVByte: 2}
	factory, _, unvaultScript := newFactory(t, feerates)

	_, err := factory.Spend(wire.OutPoint{}, 1_000_000, unvaultScript, nil)
	require.Error(t, err)
}

func TestParseDestinationsIsOrderedByAddress(t *testing.T) {
	params := &chaincfg.RegressionNetParams

	addrA, err := addrForRegtest(t)
	require.NoError(t, err)
	addrB, err := addrForRegtest(t)
	require.NoError(t, err)

	lo, hi := addrA, addrB
	if lo > hi {
		lo, hi = hi, lo
	}

	dests, err := txgraph.ParseDestinations(params, map[string]int64{
		hi: 50_000,
		lo: 25_000,
	})
	require.NoError(t, err)
	require.Len(t, dests, 2)
	require.Equal(t, lo, dests[0].Address.EncodeAddress())
	require.Equal(t, hi, dests[1].Address.EncodeAddress())
}

func TestAppendFeeBumpInputRejectsUnvaultAndSpendRoles(t *testing.T) {
	feerates := &fixedFeerate{satPerVByte: 2}
	factory, vaultScript, unvaultScript := newFactory(t, feerates)

	unvaultTpl, err := factory.Unvault(wire.OutPoint{}, 1_000_000, vaultScript, unvaultScript)
	require.NoError(t, err)

	err = txgraph.AppendFeeBumpInput(unvaultTpl, wire.OutPoint{Index: 2})
	require.Error(t, err)

	addr, err := addrForRegtest(t)
	require.NoError(t, err)
	dests, err := txgraph.ParseDestinations(&chaincfg.RegressionNetParams, map[string]int64{addr: 500_000})
	require.NoError(t, err)
	spendTpl, err := factory.Spend(wire.OutPoint{}, 1_000_000, unvaultScript, dests)
	require.NoError(t, err)

	err = txgraph.AppendFeeBumpInput(spendTpl, wire.OutPoint{Index: 3})
	require.Error(t, err)
}

func TestAppendFeeBumpInputAddsInputOnRevocationRoles(t *testing.T) {
	feerates := &fixedFeerate{satPerVByte: 2}
	factory, vaultScript, _ := newFactory(t, feerates)

	emergencyTpl, err := factory.EmergencyFromVault(wire.OutPoint{}, 1_000_000, vaultScript, vaultScript)
	require.NoError(t, err)
	require.Len(t, emergencyTpl.Tx.TxIn, 1)

	err = txgraph.AppendFeeBumpInput(emergencyTpl, wire.OutPoint{Index: 7})
	require.NoError(t, err)
	require.Len(t, emergencyTpl.Tx.TxIn, 2)
	require.Equal(t, uint32(7), emergencyTpl.Tx.TxIn[1].PreviousOutPoint.Index)
}

// addrForRegtest returns a fresh P2WKH regtest address, only ever used here
// as a destination key -- its spendability is irrelevant to these tests.
func addrForRegtest(t *testing.T) (string, error) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, &chaincfg.RegressionNetParams)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

package vault_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/keys"
	"github.com/re-vault/revault-demo/script"
	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/txgraph"
	"github.com/re-vault/revault-demo/vault"
)

// fakePusher records every signature pushed to the signature-exchange
// server, standing in for the real sigexchange.Client in registry tests.
type fakePusher struct {
	pushes []pushedSig
}

type pushedSig struct {
	txid     string
	position vchaincfg.Position
}

func (p *fakePusher) Push(_ context.Context, txid string, position vchaincfg.Position, _ []byte) error {
	p.pushes = append(p.pushes, pushedSig{txid: txid, position: position})
	return nil
}

// fixedFeerate is the same minimal FeerateSource stub the txgraph tests
// use: every template gets the same feerate regardless of role/txid.
type fixedFeerate struct {
	satPerVByte float64
}

func (f fixedFeerate) Feerate(txgraph.Role, chainhash.Hash) (float64, error) {
	return f.satPerVByte, nil
}

func randXpriv(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	key, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return key
}

// fakeDeriver wraps four independent HD extended keys -- one per
// stakeholder -- so a test can build a registry for any one of them and
// an XPubSet all four agree on.
type fakeDeriver struct {
	online    *hdkeychain.ExtendedKey
	emergency *btcec.PrivateKey
}

func (f fakeDeriver) Derive(index uint32) (*btcec.PrivateKey, error) {
	child, err := f.online.Derive(index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

func (f fakeDeriver) EmergencyKey() (*btcec.PrivateKey, error) {
	return f.emergency, nil
}

// testRegistry builds a Registry for stakeholder position 1 out of four
// independently generated online xprivs and four emergency keypairs,
// mirroring how four real stakeholders would each configure the same four
// xpubs/emergency pubkeys.
func testRegistry(t *testing.T) (*vault.Registry, *fakePusher) {
	t.Helper()

	var xprivs [4]*hdkeychain.ExtendedKey
	var xpubSet keys.XPubSet
	for i := range xprivs {
		xprivs[i] = randXpriv(t)
		pub, err := xprivs[i].Neuter()
		require.NoError(t, err)
		xpubSet[i] = pub
	}

	var emergencyPrivs [4]*btcec.PrivateKey
	var emergencyPubs keys.EmergencyPubKeySet
	for i := range emergencyPrivs {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		emergencyPrivs[i] = priv
		emergencyPubs[i] = priv.PubKey()
	}

	cosignerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	builder := script.NewBuilder(&chaincfg.RegressionNetParams)
	factory := txgraph.NewFactory(builder, fixedFeerate{satPerVByte: 2})
	signer := sign.New()
	deriver := fakeDeriver{online: xprivs[0], emergency: emergencyPrivs[0]}
	pusher := &fakePusher{}

	registry, err := vault.NewRegistry(builder, factory, signer, deriver, xpubSet,
		emergencyPubs, cosignerPriv.PubKey(), vchaincfg.Position(1), pusher)
	require.NoError(t, err)
	return registry, pusher
}

func TestNewRegistryRejectsInvalidPosition(t *testing.T) {
	builder := script.NewBuilder(&chaincfg.RegressionNetParams)
	factory := txgraph.NewFactory(builder, fixedFeerate{satPerVByte: 2})
	signer := sign.New()

	var xpubSet keys.XPubSet
	for i := range xpubSet {
		xpubSet[i] = randXpriv(t)
	}
	var emergencyPubs keys.EmergencyPubKeySet
	for i := range emergencyPubs {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		emergencyPubs[i] = priv.PubKey()
	}
	cosignerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = vault.NewRegistry(builder, factory, signer,
		fakeDeriver{online: xpubSet[0]}, xpubSet, emergencyPubs, cosignerPriv.PubKey(),
		vchaincfg.Position(5), &fakePusher{})
	require.Error(t, err)
}

func TestInsertBuildsFourTemplatesAndPushesThreeRevocationSigs(t *testing.T) {
	registry, pusher := testRegistry(t)

	outpoint := wire.OutPoint{Index: 0}
	v, err := registry.Insert(context.Background(), outpoint, 1_000_000, 0)
	require.NoError(t, err)

	require.Equal(t, vault.Discovered, v.State)
	require.NotNil(t, v.Emergency)
	require.NotNil(t, v.Unvault)
	require.NotNil(t, v.Cancel)
	require.NotNil(t, v.UnvaultEmergency)
	require.NotEmpty(t, v.WithheldUnvaultSig)

	// Position 1's own slot is filled for the three revocation tables,
	// but the unvault signature is withheld, not placed into UnvaultSigs.
	require.NotEmpty(t, v.EmergencySigs[0])
	require.NotEmpty(t, v.CancelSigs[0])
	require.NotEmpty(t, v.UnvaultEmergencySigs[0])
	require.Empty(t, v.UnvaultSigs[0])

	require.Len(t, pusher.pushes, 3)
	for _, push := range pusher.pushes {
		require.Equal(t, vchaincfg.Position(1), push.position)
	}

	stored, ok := registry.Get(outpoint)
	require.True(t, ok)
	require.Same(t, v, stored)

	byVaultTxid, ok := registry.GetByVaultTxid(v.VaultTxid())
	require.True(t, ok)
	require.Same(t, v, byVaultTxid)

	byUnvaultTxid, ok := registry.GetByUnvaultTxid(v.UnvaultTxid())
	require.True(t, ok)
	require.Same(t, v, byUnvaultTxid)
}

func TestMarkAssembledAdvancesToRevocationsCompleteOnlyAfterBoth(t *testing.T) {
	registry, _ := testRegistry(t)
	outpoint := wire.OutPoint{Index: 1}
	v, err := registry.Insert(context.Background(), outpoint, 1_000_000, 1)
	require.NoError(t, err)

	require.NoError(t, registry.MarkAssembled(outpoint, txgraph.RoleCancel, v.Cancel.Tx))
	ready, err := registry.ReadyToReleaseUnvaultSig(outpoint)
	require.NoError(t, err)
	require.False(t, ready, "must not advance on cancel alone")

	require.NoError(t, registry.MarkAssembled(outpoint, txgraph.RoleUnvaultEmergency, v.UnvaultEmergency.Tx))
	ready, err = registry.ReadyToReleaseUnvaultSig(outpoint)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestMarkUnvaultingOnlyAppliesFromRevocationsComplete(t *testing.T) {
	registry, _ := testRegistry(t)
	outpoint := wire.OutPoint{Index: 2}
	_, err := registry.Insert(context.Background(), outpoint, 1_000_000, 2)
	require.NoError(t, err)

	require.NoError(t, registry.MarkUnvaulting(outpoint))
	stillDiscovered, ok := registry.Get(outpoint)
	require.True(t, ok)
	require.Equal(t, vault.Discovered, stillDiscovered.State)
}

func TestSetSpendTemplateMovesVaultToSpendInFlight(t *testing.T) {
	registry, _ := testRegistry(t)
	outpoint := wire.OutPoint{Index: 3}
	v, err := registry.Insert(context.Background(), outpoint, 1_000_000, 3)
	require.NoError(t, err)

	err = registry.SetSpendTemplate(outpoint, v.Unvault)
	require.NoError(t, err)

	stored, ok := registry.Get(outpoint)
	require.True(t, ok)
	require.Equal(t, vault.SpendInFlight, stored.State)
	require.Same(t, v.Unvault, stored.Spend)
}

func TestRemoveDeletesFromEveryIndex(t *testing.T) {
	registry, _ := testRegistry(t)
	outpoint := wire.OutPoint{Index: 4}
	v, err := registry.Insert(context.Background(), outpoint, 1_000_000, 4)
	require.NoError(t, err)

	registry.Remove(outpoint)

	_, ok := registry.Get(outpoint)
	require.False(t, ok)
	_, ok = registry.GetByVaultTxid(v.VaultTxid())
	require.False(t, ok)
	_, ok = registry.GetByUnvaultTxid(v.UnvaultTxid())
	require.False(t, ok)
}

func TestMarkEmergencySweptTransitionsEveryTrackedVault(t *testing.T) {
	registry, _ := testRegistry(t)
	outpointA := wire.OutPoint{Index: 5}
	outpointB := wire.OutPoint{Index: 6}
	_, err := registry.Insert(context.Background(), outpointA, 1_000_000, 5)
	require.NoError(t, err)
	_, err = registry.Insert(context.Background(), outpointB, 1_000_000, 6)
	require.NoError(t, err)

	registry.MarkEmergencySwept()

	for _, op := range []wire.OutPoint{outpointA, outpointB} {
		v, ok := registry.Get(op)
		require.True(t, ok)
		require.Equal(t, vault.EmergencySwept, v.State)
	}
}

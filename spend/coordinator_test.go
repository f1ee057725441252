package spend_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/keys"
	"github.com/re-vault/revault-demo/script"
	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/spend"
	"github.com/re-vault/revault-demo/txgraph"
	"github.com/re-vault/revault-demo/vault"
)

type fixedFeerate struct{ satPerVByte float64 }

func (f fixedFeerate) Feerate(txgraph.Role, chainhash.Hash) (float64, error) {
	return f.satPerVByte, nil
}

type fakePusher struct{}

func (fakePusher) Push(context.Context, string, vchaincfg.Position, []byte) error { return nil }

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

func (f fakeDeriver) EmergencyKey() (*btcec.PrivateKey, error) { return f.emergency, nil }

func randXpriv(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	key, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return key
}

// securedVault builds a registry with a single deposit forced directly into
// the Secured state, skipping the revocation-collection protocol that isn't
// this package's concern, and returns it alongside the registry and the
// params every coordinator under test shares.
func securedVault(t *testing.T) (*vault.Registry, *vault.Vault, vchaincfg.Params) {
	t.Helper()

	var xprivs [4]*hdkeychain.ExtendedKey
	var xpubSet keys.XPubSet
	for i := range xprivs {
		xprivs[i] = randXpriv(t)
		pub, err := xprivs[i].Neuter()
		require.NoError(t, err)
		xpubSet[i] = pub
	}

	var emergencyPubs keys.EmergencyPubKeySet
	for i := range emergencyPubs {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		emergencyPubs[i] = priv.PubKey()
	}
	cosignerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	builder := script.NewBuilder(&chaincfg.RegressionNetParams)
	factory := txgraph.NewFactory(builder, fixedFeerate{satPerVByte: 2})
	signer := sign.New()
	deriver := fakeDeriver{online: xprivs[0]}

	registry, err := vault.NewRegistry(builder, factory, signer, deriver, xpubSet,
		emergencyPubs, cosignerPriv.PubKey(), vchaincfg.Position(1), fakePusher{})
	require.NoError(t, err)

	outpoint := wire.OutPoint{Index: 0}
	v, err := registry.Insert(context.Background(), outpoint, 10_000_000, 0)
	require.NoError(t, err)
	v.State = vault.Secured

	return registry, v, vchaincfg.RegressionNetParams
}

func regtestAddress(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestKnownSpendSetAddAndContains(t *testing.T) {
	set := spend.NewKnownSpendSet()
	require.False(t, set.Contains("abc"))
	set.Add("abc")
	require.True(t, set.Contains("abc"))
	require.False(t, set.Contains("def"))
}

func TestNewMailboxAcceptsOneProposalWithoutBlocking(t *testing.T) {
	mailbox := spend.NewMailbox()
	select {
	case mailbox <- spend.Proposal{}:
	default:
		t.Fatal("mailbox should buffer at least one proposal")
	}
}

func TestInitiateRejectsNonTrader(t *testing.T) {
	registry, v, params := securedVault(t)
	deriver := fakeDeriver{online: randXpriv(t)}
	coordinator := spend.New(registry, txgraph.NewFactory(script.NewBuilder(&chaincfg.RegressionNetParams),
		fixedFeerate{satPerVByte: 2}), sign.New(), deriver, nil, nil, nil,
		spend.NewKnownSpendSet(), vchaincfg.Position(3), params, nil)

	mailbox := spend.NewMailbox()
	_, err := coordinator.Initiate(context.Background(), v.Outpoint,
		map[string]int64{regtestAddress(t): 1_000_000}, mailbox)
	require.Error(t, err)
}

func TestInitiateRejectsUnknownVault(t *testing.T) {
	registry, _, params := securedVault(t)
	deriver := fakeDeriver{online: randXpriv(t)}
	coordinator := spend.New(registry, txgraph.NewFactory(script.NewBuilder(&chaincfg.RegressionNetParams),
		fixedFeerate{satPerVByte: 2}), sign.New(), deriver, nil, nil, nil,
		spend.NewKnownSpendSet(), vchaincfg.Position(1), params, nil)

	mailbox := spend.NewMailbox()
	_, err := coordinator.Initiate(context.Background(), wire.OutPoint{Index: 99},
		map[string]int64{regtestAddress(t): 1_000_000}, mailbox)
	require.Error(t, err)
}

func TestInitiatePostsProposalAndAcceptSignsIt(t *testing.T) {
	registry, v, params := securedVault(t)
	factory := txgraph.NewFactory(script.NewBuilder(&chaincfg.RegressionNetParams), fixedFeerate{satPerVByte: 2})
	signer := sign.New()

	trader1 := spend.New(registry, factory, signer, fakeDeriver{online: randXpriv(t)}, nil, nil, nil,
		spend.NewKnownSpendSet(), vchaincfg.Position(1), params, nil)
	trader2 := spend.New(registry, factory, signer, fakeDeriver{online: randXpriv(t)}, nil, nil, nil,
		spend.NewKnownSpendSet(), vchaincfg.Position(2), params, nil)

	mailbox := spend.NewMailbox()
	destinations := map[string]int64{regtestAddress(t): 1_000_000}

	sig1, err := trader1.Initiate(context.Background(), v.Outpoint, destinations, mailbox)
	require.NoError(t, err)
	require.NotEmpty(t, sig1)

	var proposal spend.Proposal
	select {
	case proposal = <-mailbox:
	default:
		t.Fatal("expected a proposal to have been posted")
	}
	require.Equal(t, v.Outpoint, proposal.VaultOutpoint)
	require.Equal(t, destinations, proposal.Destinations)

	sig2, err := trader2.Accept(context.Background(), proposal)
	require.NoError(t, err)
	require.NotEmpty(t, sig2)
}

func TestBuildAndSignRejectsVaultNotYetSecured(t *testing.T) {
	registry, v, params := securedVault(t)
	v.State = vault.Discovered

	factory := txgraph.NewFactory(script.NewBuilder(&chaincfg.RegressionNetParams), fixedFeerate{satPerVByte: 2})
	coordinator := spend.New(registry, factory, sign.New(), fakeDeriver{online: randXpriv(t)}, nil, nil, nil,
		spend.NewKnownSpendSet(), vchaincfg.Position(1), params, nil)

	mailbox := spend.NewMailbox()
	_, err := coordinator.Initiate(context.Background(), v.Outpoint,
		map[string]int64{regtestAddress(t): 1_000_000}, mailbox)
	require.Error(t, err)
}

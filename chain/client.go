// Package chain defines the narrow node-RPC surface the rest of the module
// consumes, and an adapter backed by btcd/rpcclient. The interface is kept
// deliberately small -- only the methods §6 of the specification actually
// calls for -- rather than exposing rpcclient.Client's full surface, the
// same narrowing lnd.go applies around btcrpcclient in chainregistry.go.
package chain

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Client is the bitcoind JSON-RPC surface the vault daemon needs. A single
// Client is shared across every goroutine in the process; implementations
// must serialize calls onto one underlying connection (spec.md §5, "Shared
// resource discipline") -- rpcclient.Client already does this internally,
// so Adapter below is a thin pass-through.
type Client interface {
	// ImportMulti imports a batch of watch-only descriptors with the
	// given birthdate/rescan behavior. Used once per derivation-window
	// extension to start watching a fresh batch of vault/unvault
	// addresses (spec.md §4.8).
	ImportMulti(descriptors []MultiImportRequest) ([]btcjson.ImportMultiResult, error)

	// ImportAddress registers a single watch-only address, used for the
	// fixed emergency address which is never part of a derivation
	// window.
	ImportAddress(address string) error

	// ListUnspent returns unspent outputs at the given addresses with
	// minconf/maxconf bounds, matching bitcoind's listunspent semantics
	// including the include_unsafe flag (unconfirmed outputs must be
	// visible to the chain watcher so it can react within one poll
	// interval rather than waiting a confirmation).
	ListUnspent(minConf, maxConf int, addresses []btcutil.Address) ([]btcjson.ListUnspentResult, error)

	// GetRawTransaction fetches a transaction by hash, confirmed or not.
	GetRawTransaction(txid *chainhash.Hash) (*btcutil.Tx, error)

	// GetTransaction fetches a wallet-relative transaction record,
	// including its confirmation count.
	GetTransaction(txid *chainhash.Hash) (*btcjson.GetTransactionResult, error)

	// DecodeRawTransaction parses a raw transaction without requiring it
	// to be known to the node.
	DecodeRawTransaction(serialized []byte) (*btcjson.TxRawResult, error)

	// GetNewAddress requests a fresh address of the node's own wallet.
	// No protocol logic in this module calls it.
	GetNewAddress() (btcutil.Address, error)

	// GetRawMempool returns the txids currently in the node's mempool.
	GetRawMempool() ([]*chainhash.Hash, error)

	// SendRawTransaction broadcasts a fully-signed transaction.
	SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)

	// TestMempoolAccept checks whether a transaction would be accepted
	// by the node's mempool without broadcasting it. This is the sanity
	// gate the RevocationEngine runs before marking any template signed
	// (spec.md §4.7 step 2, §8 invariant 2).
	TestMempoolAccept(tx *wire.MsgTx) (bool, string, error)

	// GenerateToAddress mines numBlocks blocks paying to address. No
	// protocol logic in this module calls it.
	GenerateToAddress(numBlocks int64, address btcutil.Address) ([]*chainhash.Hash, error)

	// EstimateSmartFee estimates a conservative feerate for confirmation
	// within confTarget blocks, in BTC/kvB (spec.md §6:
	// estimatesmartfee(2|3, "CONSERVATIVE")).
	EstimateSmartFee(confTarget int64) (float64, error)

	// DumpPrivKey reveals the private key behind address. No protocol
	// logic in this module calls it; the daemon reads its emergency key
	// from a WIF file instead.
	DumpPrivKey(address btcutil.Address) (*btcutil.WIF, error)
}

// MultiImportRequest is the subset of bitcoind's importmulti descriptor
// request this module needs: a single watch-only scriptPubKey with a
// birthdate, no HD descriptor expressions (key derivation is handled
// entirely by the keys package, not by the node).
type MultiImportRequest struct {
	ScriptPubKey []byte
	Address      btcutil.Address
	Timestamp    int64
	Watchonly    bool
}

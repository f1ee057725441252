package chain

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// Adapter implements Client against a live bitcoind over JSON-RPC, using
// btcd/rpcclient. rpcclient.Client already serializes requests onto a
// single connection and is safe for concurrent use, matching the "single
// logical client with its own lock" discipline spec.md §5 requires.
type Adapter struct {
	rpc *rpcclient.Client
}

// NewAdapter wraps an already-connected rpcclient.Client.
func NewAdapter(rpc *rpcclient.Client) *Adapter {
	return &Adapter{rpc: rpc}
}

// Dial connects to a bitcoind RPC endpoint with HTTP POST mode (no
// websocket notifications are used -- the chain watcher polls rather than
// subscribing, per spec.md §4.8).
func Dial(host, user, pass string, disableTLS bool) (*Adapter, error) {
	cfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   disableTLS,
	}
	rpc, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}
	return NewAdapter(rpc), nil
}

// Shutdown tears down the underlying connection.
func (a *Adapter) Shutdown() {
	a.rpc.Shutdown()
}

// ImportMulti implements Client. rpcclient has no typed wrapper for
// importmulti, so the request is issued via RawRequest the same way
// chainregistry.go falls back to btcrpcclient's raw-call path for RPCs
// outside its typed surface.
func (a *Adapter) ImportMulti(descriptors []MultiImportRequest) ([]btcjson.ImportMultiResult, error) {
	type importMultiEntry struct {
		ScriptPubKey string `json:"scriptPubKey"`
		Timestamp    int64  `json:"timestamp"`
		Watchonly    bool   `json:"watchonly"`
	}

	entries := make([]importMultiEntry, len(descriptors))
	for i, d := range descriptors {
		entries[i] = importMultiEntry{
			ScriptPubKey: fmt.Sprintf("%x", d.ScriptPubKey),
			Timestamp:    d.Timestamp,
			Watchonly:    d.Watchonly,
		}
	}

	rawEntries, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal importmulti request: %w", err)
	}

	rawOpts, err := json.Marshal(struct {
		Rescan bool `json:"rescan"`
	}{Rescan: true})
	if err != nil {
		return nil, fmt.Errorf("chain: marshal importmulti options: %w", err)
	}

	raw, err := a.rpc.RawRequest("importmulti", []json.RawMessage{rawEntries, rawOpts})
	if err != nil {
		return nil, fmt.Errorf("chain: importmulti: %w", err)
	}

	var results []btcjson.ImportMultiResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("chain: unmarshal importmulti result: %w", err)
	}
	return results, nil
}

// ImportAddress implements Client.
func (a *Adapter) ImportAddress(address string) error {
	return a.rpc.ImportAddressRescan(address, "", false)
}

// ListUnspent implements Client.
func (a *Adapter) ListUnspent(minConf, maxConf int, addresses []btcutil.Address) ([]btcjson.ListUnspentResult, error) {
	return a.rpc.ListUnspentMinMaxAddresses(minConf, maxConf, addresses)
}

// GetRawTransaction implements Client.
func (a *Adapter) GetRawTransaction(txid *chainhash.Hash) (*btcutil.Tx, error) {
	return a.rpc.GetRawTransaction(txid)
}

// GetTransaction implements Client.
func (a *Adapter) GetTransaction(txid *chainhash.Hash) (*btcjson.GetTransactionResult, error) {
	return a.rpc.GetTransaction(txid)
}

// DecodeRawTransaction implements Client.
func (a *Adapter) DecodeRawTransaction(serialized []byte) (*btcjson.TxRawResult, error) {
	return a.rpc.DecodeRawTransaction(serialized)
}

// GetNewAddress implements Client.
func (a *Adapter) GetNewAddress() (btcutil.Address, error) {
	return a.rpc.GetNewAddress("")
}

// GetRawMempool implements Client.
func (a *Adapter) GetRawMempool() ([]*chainhash.Hash, error) {
	return a.rpc.GetRawMempool()
}

// SendRawTransaction implements Client.
func (a *Adapter) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	return a.rpc.SendRawTransaction(tx, false)
}

// TestMempoolAccept implements Client. It is the sanity gate the
// revocation engine runs before a template is ever marked signed.
func (a *Adapter) TestMempoolAccept(tx *wire.MsgTx) (bool, string, error) {
	results, err := a.rpc.TestMempoolAccept([]*wire.MsgTx{tx}, 0)
	if err != nil {
		return false, "", fmt.Errorf("chain: testmempoolaccept: %w", err)
	}
	if len(results) != 1 {
		return false, "", fmt.Errorf("chain: testmempoolaccept: expected one result, got %d", len(results))
	}

	result := results[0]
	if !result.Allowed {
		reason := ""
		if result.RejectReason != "" {
			reason = result.RejectReason
		}
		return false, reason, nil
	}
	return true, "", nil
}

// GenerateToAddress implements Client.
func (a *Adapter) GenerateToAddress(numBlocks int64, address btcutil.Address) ([]*chainhash.Hash, error) {
	return a.rpc.GenerateToAddress(numBlocks, address, nil)
}

// EstimateSmartFee implements Client, returning a conservative feerate in
// BTC/kvB. Returns an error if the node has insufficient data to estimate,
// which callers must retry rather than fabricate a feerate (spec.md §7,
// "transient network/RPC failures").
func (a *Adapter) EstimateSmartFee(confTarget int64) (float64, error) {
	mode := btcjson.EstimateSmartFeeModeConservative
	result, err := a.rpc.EstimateSmartFee(confTarget, &mode)
	if err != nil {
		return 0, fmt.Errorf("chain: estimatesmartfee: %w", err)
	}
	if result.Errors != nil && len(*result.Errors) > 0 {
		return 0, fmt.Errorf("chain: estimatesmartfee: %v", *result.Errors)
	}
	if result.FeeRate == nil {
		return 0, fmt.Errorf("chain: estimatesmartfee: no feerate available for target %d", confTarget)
	}
	return *result.FeeRate, nil
}

// DumpPrivKey implements Client.
func (a *Adapter) DumpPrivKey(address btcutil.Address) (*btcutil.WIF, error) {
	return a.rpc.DumpPrivKey(address)
}

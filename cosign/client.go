// Package cosign is the REST client for the cosigning server: a
// single-use oracle that co-signs one spend per unvault transaction,
// enforcing the "one spend per unvault" safety property even if the two
// traders disagree about destinations after the first request (spec.md
// §4.6). This is component C6 of the specification.
package cosign

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrAlreadySigned is returned when the cosigning server refuses a second
// request for an unvault txid it has already signed (spec.md §4.6, §8
// invariant 4: "the cosigning server refuses to sign twice for the same
// unvault outpoint"). Callers must treat this as a protocol violation to
// surface, not a transient failure to retry (spec.md §7).
var ErrAlreadySigned = fmt.Errorf("cosign: server already signed this unvault txid")

// Client talks to the cosigning server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client rooted at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetPubKey fetches the cosigning server's public key. Callers fetch this
// once at startup and hold onto it: it is a fixed parameter of every
// unvault script this process will ever build (spec.md §4.6).
func (c *Client) GetPubKey(ctx context.Context) (*btcec.PublicKey, error) {
	endpoint := fmt.Sprintf("%s/getpubkey", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("cosign: build getpubkey request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cosign: getpubkey: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cosign: getpubkey: unexpected status %s", resp.Status)
	}

	var payload struct {
		PubKey string `json:"pubkey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("cosign: decode getpubkey response: %w", err)
	}

	raw, err := hex.DecodeString(payload.PubKey)
	if err != nil {
		return nil, fmt.Errorf("cosign: decode pubkey hex: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("cosign: parse pubkey: %w", err)
	}
	return pub, nil
}

// SignRequest is the body of POST /sign (spec.md §6): the unvault txid,
// the vault's four online pubkeys at the derivation index, the proposed
// destination address set, and the prevout value -- everything the
// cosigning server needs to independently reconstruct and verify the
// spend template before co-signing it.
type SignRequest struct {
	Txid         string
	PubKeys      [4]string
	Destinations map[string]int64
	PrevValue    int64
}

// GetCosignature requests the cosigning server's signature over the spend
// template identified by req.Txid. A second call for the same Txid -- even
// with different destinations -- returns ErrAlreadySigned (spec.md §4.6).
func (c *Client) GetCosignature(ctx context.Context, req SignRequest) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/sign", c.baseURL)

	body := struct {
		Txid         string           `json:"txid"`
		PubKeys      [4]string        `json:"pubkeys"`
		Destinations map[string]int64 `json:"addresses"`
		PrevValue    int64            `json:"prev_value"`
	}{
		Txid:         req.Txid,
		PubKeys:      req.PubKeys,
		Destinations: req.Destinations,
		PrevValue:    req.PrevValue,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cosign: marshal sign request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("cosign: build sign request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cosign: sign %s: %w", req.Txid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		log.Warnf("cosigning server refused a second signature for %s", req.Txid)
		return nil, ErrAlreadySigned
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cosign: sign %s: unexpected status %s", req.Txid, resp.Status)
	}

	var payload struct {
		Sig string `json:"sig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("cosign: decode sign response: %w", err)
	}

	sig, err := hex.DecodeString(payload.Sig)
	if err != nil {
		return nil, fmt.Errorf("cosign: decode signature hex: %w", err)
	}
	log.Debugf("cosigning server signed %s", req.Txid)
	return sig, nil
}

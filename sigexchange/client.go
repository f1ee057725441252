// Package sigexchange is the REST client for the signature-exchange
// server, the append-only rendezvous every stakeholder posts its template
// signatures to and polls the others' from (spec.md §4.5, §6). This is
// component C5 of the specification.
//
// The server performs no validation of its own -- it is pure storage plus
// a four-slot acceptance tally for spend requests -- so every method here
// is a thin, single-attempt HTTP call (PollUntilPresent is the one that
// retries), following the plain net/http + cenkalti/backoff idiom the teacher's healthcheck subsystem uses for its
// own dependency probes rather than reaching for a generated REST client.
package sigexchange

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cenkalti/backoff/v4"

	vchaincfg "github.com/re-vault/revault-demo/chaincfg"
	"github.com/re-vault/revault-demo/txgraph"
)

// Accepted is the three-valued result of GET /spendaccepted/{vault_txid}
// (spec.md §6).
type Accepted int

const (
	// AcceptedPending means at least one of the four acceptance slots is
	// still empty.
	AcceptedPending Accepted = iota

	// AcceptedTrue means all four stakeholders posted accept.
	AcceptedTrue

	// AcceptedFalse means at least one stakeholder posted refuse.
	AcceptedFalse
)

// Client talks to the signature-exchange server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client rooted at baseURL (e.g. "http://sigserver:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Push posts this stakeholder's signature for txid, returning nil on the
// server's 201 Created. Implementers must tolerate and retry transient
// absence (spec.md §4.5); Push itself only performs one attempt -- the
// retry loop lives in the callers that run under RevocationEngine/
// VaultRegistry's cancellation-aware polling, per spec.md §5's "suspension
// points" discipline, not inside this leaf client.
func (c *Client) Push(ctx context.Context, txid string, position vchaincfg.Position, sig []byte) error {
	endpoint := fmt.Sprintf("%s/sig/%s/%d", c.baseURL, txid, position)
	body := url.Values{"sig": {hex.EncodeToString(sig)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewBufferString(body.Encode()))
	if err != nil {
		return fmt.Errorf("sigexchange: build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sigexchange: push %s/%d: %w", txid, position, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sigexchange: push %s/%d: unexpected status %s", txid, position, resp.Status)
	}
	log.Debugf("pushed signature for %s/%d", txid, position)
	return nil
}

// Pull fetches the signature this txid/position slot holds, or (nil,
// false, nil) if it has not been posted yet (spec.md §4.5).
func (c *Client) Pull(ctx context.Context, txid string, position vchaincfg.Position) ([]byte, bool, error) {
	endpoint := fmt.Sprintf("%s/sig/%s/%d", c.baseURL, txid, position)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("sigexchange: build pull request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("sigexchange: pull %s/%d: %w", txid, position, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("sigexchange: pull %s/%d: unexpected status %s", txid, position, resp.Status)
	}

	var payload struct {
		Sig string `json:"sig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("sigexchange: decode pull response: %w", err)
	}

	sig, err := hex.DecodeString(payload.Sig)
	if err != nil {
		return nil, false, fmt.Errorf("sigexchange: decode signature hex: %w", err)
	}
	return sig, true, nil
}

// PollUntilPresent retries Pull with exponential backoff until the slot is
// filled or ctx is cancelled. RevocationEngine's per-role polling loop
// (spec.md §4.7) is built on it.
func (c *Client) PollUntilPresent(ctx context.Context, txid string, position vchaincfg.Position) ([]byte, error) {
	var sig []byte

	operation := func() error {
		result, ok, err := c.Pull(ctx, txid, position)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("sigexchange: %s/%d not yet posted", txid, position)
		}
		sig = result
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return sig, nil
}

// Feerate implements txgraph.FeerateSource against GET
// /feerate/{role}/{txid}. The first call for a given (role, txid) freezes
// the server-side value; every subsequent call for the same pair returns
// the same number (spec.md §4.2, §6).
func (c *Client) Feerate(role txgraph.Role, txid chainhash.Hash) (float64, error) {
	endpoint := fmt.Sprintf("%s/feerate/%s/%s", c.baseURL, string(role), txid.String())

	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return 0, fmt.Errorf("sigexchange: feerate %s/%s: %w", role, txid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("sigexchange: feerate %s/%s: unexpected status %s", role, txid, resp.Status)
	}

	var payload struct {
		Feerate float64 `json:"feerate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("sigexchange: decode feerate response: %w", err)
	}
	return payload.Feerate, nil
}

// RequestSpend posts a proposed spend's destination set, initializing a
// four-slot acceptance array on the server (spec.md §6).
func (c *Client) RequestSpend(ctx context.Context, vaultTxid string, destinations map[string]int64) error {
	endpoint := fmt.Sprintf("%s/requestspend/%s", c.baseURL, vaultTxid)

	raw, err := json.Marshal(destinations)
	if err != nil {
		return fmt.Errorf("sigexchange: marshal destinations: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("sigexchange: build requestspend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sigexchange: requestspend %s: %w", vaultTxid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sigexchange: requestspend %s: unexpected status %s", vaultTxid, resp.Status)
	}
	return nil
}

// AcceptSpend posts this stakeholder's acceptance of a pending spend.
func (c *Client) AcceptSpend(ctx context.Context, vaultTxid string, position vchaincfg.Position) error {
	return c.postSpendVote(ctx, "acceptspend", vaultTxid, position)
}

// RefuseSpend posts this stakeholder's refusal of a pending spend. A
// single refusal aborts the spend for every stakeholder (spec.md §4.9).
func (c *Client) RefuseSpend(ctx context.Context, vaultTxid string, position vchaincfg.Position) error {
	return c.postSpendVote(ctx, "refusespend", vaultTxid, position)
}

func (c *Client) postSpendVote(ctx context.Context, verb, vaultTxid string, position vchaincfg.Position) error {
	endpoint := fmt.Sprintf("%s/%s/%s/%d", c.baseURL, verb, vaultTxid, position)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("sigexchange: build %s request: %w", verb, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sigexchange: %s %s/%d: %w", verb, vaultTxid, position, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sigexchange: %s %s/%d: unexpected status %s", verb, vaultTxid, position, resp.Status)
	}
	return nil
}

// SpendAccepted fetches the current three-valued acceptance state of a
// pending spend (spec.md §6).
func (c *Client) SpendAccepted(ctx context.Context, vaultTxid string) (Accepted, error) {
	endpoint := fmt.Sprintf("%s/spendaccepted/%s", c.baseURL, vaultTxid)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return AcceptedPending, fmt.Errorf("sigexchange: build spendaccepted request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AcceptedPending, fmt.Errorf("sigexchange: spendaccepted %s: %w", vaultTxid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AcceptedPending, fmt.Errorf("sigexchange: spendaccepted %s: unexpected status %s", vaultTxid, resp.Status)
	}

	var payload struct {
		Accepted *bool `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return AcceptedPending, fmt.Errorf("sigexchange: decode spendaccepted response: %w", err)
	}

	switch {
	case payload.Accepted == nil:
		return AcceptedPending, nil
	case *payload.Accepted:
		return AcceptedTrue, nil
	default:
		return AcceptedFalse, nil
	}
}

// SpendRequest is one entry of GET /spendrequests: a vault txid awaiting
// this stakeholder's accept/refuse vote, and its proposed destinations.
type SpendRequest struct {
	VaultTxid    string
	Destinations map[string]int64
}

// SpendRequests lists every pending spend request across all vaults
// (spec.md §6), polled by SpendCoordinator's approval loop.
func (c *Client) SpendRequests(ctx context.Context) ([]SpendRequest, error) {
	endpoint := fmt.Sprintf("%s/spendrequests", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("sigexchange: build spendrequests request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sigexchange: spendrequests: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sigexchange: spendrequests: unexpected status %s", resp.Status)
	}

	var payload map[string]map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("sigexchange: decode spendrequests response: %w", err)
	}

	requests := make([]SpendRequest, 0, len(payload))
	for vaultTxid, dests := range payload {
		requests = append(requests, SpendRequest{VaultTxid: vaultTxid, Destinations: dests})
	}
	return requests, nil
}

// Package chaincfg threads the selected Bitcoin network parameters and the
// vault protocol's fixed timelock constants through the rest of the module.
// Nothing here is process-global and mutable: every constructor that needs a
// network takes a *chaincfg.Params explicitly, per the "Global state" design
// note in the specification.
package chaincfg

import (
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// UnvaultCSVDelay is the relative-locktime, in blocks, that gates the
	// timelocked branch of the unvault script (both traders + cosigning
	// server). A spend transaction must set nSequence to this value on
	// its single input.
	UnvaultCSVDelay = 6

	// EmergencyCSVDelay is the relative-locktime, in blocks, that gates
	// every emergency script. 4464 blocks is approximately one month at
	// the Bitcoin network's ten-minute target block interval.
	EmergencyCSVDelay = 4464

	// StakeholderCount is the fixed number of co-owners of a vault.
	// The participant set never changes for the lifetime of a wallet.
	StakeholderCount = 4

	// TraderCount is the number of stakeholder positions authorized to
	// initiate a spend. Traders occupy positions 1 and 2.
	TraderCount = 2

	// GapLimit bounds how far ahead of the last-seen derivation index the
	// chain watcher keeps vault addresses imported and watched.
	GapLimit = 20
)

// Position identifies one of the four fixed stakeholder slots. Positions are
// 1-indexed to match the signature-exchange and cosigning-server wire
// protocols (spec.md §6: "Stakeholder IDs are 1-based").
type Position uint8

// IsTrader reports whether the position is authorized to initiate a spend.
func (p Position) IsTrader() bool {
	return p == 1 || p == 2
}

// Valid reports whether p names one of the four fixed stakeholder slots.
func (p Position) Valid() bool {
	return p >= 1 && p <= StakeholderCount
}

// Params bundles the selected Bitcoin network parameters so callers don't
// need a second import of btcsuite's chaincfg for the common cases.
type Params struct {
	*chaincfg.Params
}

// RegressionNetParams is the parameter set used by local development and
// the in-process multi-stakeholder test in package e2e, matching the
// original Python test fixtures (`tests/fixtures.py` spins up `bitcoind
// -regtest`).
var RegressionNetParams = Params{Params: &chaincfg.RegressionNetParams}

// TestNet3Params selects testnet3.
var TestNet3Params = Params{Params: &chaincfg.TestNet3Params}

// MainNetParams selects mainnet.
var MainNetParams = Params{Params: &chaincfg.MainNetParams}

// Package keys provides the narrow HD-derivation interface the rest of the
// module consumes. HD derivation itself is out of scope for this
// specification (spec.md §1); this package only pins down the shape every
// stakeholder needs: given a numeric index, produce the online keypair at
// that index, and expose the fixed (non-derived) emergency keypair.
package keys

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// Deriver produces the online keypair for a stakeholder at a given
// derivation index, and the stakeholder's fixed offline emergency keypair.
// Implementations must be deterministic: the same index must always yield
// the same keypair, across process restarts (spec.md §8, "Round-trip /
// idempotence").
type Deriver interface {
	// Derive returns this stakeholder's online private key at index i.
	Derive(index uint32) (*btcec.PrivateKey, error)

	// EmergencyKey returns this stakeholder's fixed offline emergency
	// private key. It does not depend on any derivation index (spec.md
	// §3 invariant 4: the emergency address is a single, non-derived
	// script shared across all vaults).
	EmergencyKey() (*btcec.PrivateKey, error)
}

// HDDeriver is a Deriver backed by a BIP32 extended private key, the
// standard construction used by every wallet in the pack (see
// monetas-btcwallet/votingpool for the precedent of deriving per-series
// keys off an hdkeychain.ExtendedKey).
type HDDeriver struct {
	online    *hdkeychain.ExtendedKey
	emergency *btcec.PrivateKey
}

// NewHDDeriver builds a Deriver from an online extended private key (the
// account-level xpriv this stakeholder derives vault/unvault/cancel/spend
// keys from) and a standalone emergency private key.
func NewHDDeriver(online *hdkeychain.ExtendedKey, emergency *btcec.PrivateKey) *HDDeriver {
	return &HDDeriver{online: online, emergency: emergency}
}

// Derive implements Deriver.
func (h *HDDeriver) Derive(index uint32) (*btcec.PrivateKey, error) {
	child, err := h.online.Derive(index)
	if err != nil {
		return nil, err
	}
	return child.ECPrivKey()
}

// EmergencyKey implements Deriver.
func (h *HDDeriver) EmergencyKey() (*btcec.PrivateKey, error) {
	return h.emergency, nil
}

// PubKeySet is the four online public keys at a given derivation index, one
// per stakeholder position, in position order (index 0 is position 1, etc).
type PubKeySet [4]*btcec.PublicKey

// EmergencyPubKeySet is the four fixed offline emergency public keys, one
// per stakeholder position. Unlike PubKeySet this set never changes: it is
// not indexed by derivation index (spec.md §3).
type EmergencyPubKeySet [4]*btcec.PublicKey

// XPubSet holds each of the four stakeholders' online extended public key,
// in position order. Every stakeholder configures the same four xpubs (its
// own included), so that deriving PubKeySet at any index independently
// reproduces byte-identical vault/unvault scripts across all four nodes
// (spec.md §8 invariant 3). This is the public-key counterpart of
// HDDeriver: a stakeholder never needs the other three's private keys, and
// mirrors monetas-btcwallet/votingpool's pattern of a pool of independent
// extended public keys, one per co-signer, all derived off the same
// non-hardened index.
type XPubSet [4]*hdkeychain.ExtendedKey

// Derive returns the four online public keys at the given derivation
// index, one per stakeholder position.
func (x XPubSet) Derive(index uint32) (PubKeySet, error) {
	var pubs PubKeySet
	for i, xpub := range x {
		child, err := xpub.Derive(index)
		if err != nil {
			return PubKeySet{}, err
		}
		pub, err := child.ECPubKey()
		if err != nil {
			return PubKeySet{}, err
		}
		pubs[i] = pub
	}
	return pubs, nil
}

package script

import "crypto/sha256"

// shaScript returns the SHA256 of a witness script, the value a P2WSH
// output script commits to (BIP-141), as distinct from the HASH160 used by
// legacy P2SH.
func shaScript(witnessScript []byte) [32]byte {
	return sha256.Sum256(witnessScript)
}

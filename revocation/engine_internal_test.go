package revocation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/re-vault/revault-demo/sign"
	"github.com/re-vault/revault-demo/txgraph"
)

func TestAssembleWitnessPicksVaultSpendLayoutForEmergencyAndUnvault(t *testing.T) {
	for _, role := range []txgraph.Role{txgraph.RoleEmergency, txgraph.RoleUnvault} {
		var slots sign.SigSlots
		for i := range slots {
			slots[i] = []byte{0x30, byte(i)}
		}
		witness, err := assembleWitness(role, slots, []byte{0x51})
		require.NoError(t, err)
		// AssembleVaultSpendWitness produces [empty, sig1..sig4, script]:
		// six elements with a leading empty item.
		require.Len(t, witness, 6)
		require.Empty(t, witness[0])
	}
}

func TestAssembleWitnessPicksAllFourLayoutForCancelAndUnvaultEmergency(t *testing.T) {
	for _, role := range []txgraph.Role{txgraph.RoleCancel, txgraph.RoleUnvaultEmergency} {
		var slots sign.SigSlots
		for i := range slots {
			slots[i] = []byte{0x30, byte(i)}
		}
		witness, err := assembleWitness(role, slots, []byte{0x51})
		require.NoError(t, err)
		// AssembleUnvaultAllFourWitness produces [sig4, sig3, sig2, sig1,
		// script]: five elements, no leading empty item.
		require.Len(t, witness, 5)
		require.NotEmpty(t, witness[0])
	}
}

func TestAssembleWitnessRejectsUnsupportedRole(t *testing.T) {
	var slots sign.SigSlots
	_, err := assembleWitness(txgraph.RoleSpend, slots, []byte{0x51})
	require.Error(t, err)
}

func TestAssembleWitnessRejectsIncompleteSlots(t *testing.T) {
	var slots sign.SigSlots
	slots[0] = []byte{0x30}
	_, err := assembleWitness(txgraph.RoleEmergency, slots, []byte{0x51})
	require.Error(t, err)
}

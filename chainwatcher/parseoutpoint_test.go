package chainwatcher

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestParseOutpointRoundTripsTxidAndVout(t *testing.T) {
	var zero chainhash.Hash
	outpoint, err := parseOutpoint(zero.String(), 3)
	require.NoError(t, err)
	require.Equal(t, zero, outpoint.Hash)
	require.Equal(t, uint32(3), outpoint.Index)
}

func TestParseOutpointRejectsMalformedTxid(t *testing.T) {
	_, err := parseOutpoint("not-a-txid", 0)
	require.Error(t, err)
}

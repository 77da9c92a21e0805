package signature

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/brech1/eigentrust-protocol/internal/attestation"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

func TestSignatureBackendBindsPublicInputs(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	peer := crypto.PubkeyToAddress(key.PublicKey)
	target := common.HexToAddress("0x0000000000000000000000000000000000000abc")

	codec := attestation.New(4)
	st, err := codec.Statement(peer, 5, []trust.Opinion{{Source: peer, Target: target, Weight: 1}})
	require.NoError(t, err)
	public := proof.PublicInputs{Peer: peer, Round: 5, Commitment: st.Commitment()}

	backend := New(key)
	data, err := backend.Prove(context.Background(), public, proof.Witness{Statement: st})
	require.NoError(t, err)

	ok, err := New(nil).Verify(context.Background(), public, data)
	require.NoError(t, err)
	require.True(t, ok)

	other := public
	other.Commitment[0] ^= 0xff
	ok, err = New(nil).Verify(context.Background(), other, data)
	require.NoError(t, err)
	require.False(t, ok)

	stale := public
	stale.Round++
	ok, err = New(nil).Verify(context.Background(), stale, data)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = backend.Prove(context.Background(), other, proof.Witness{Statement: st})
	require.Error(t, err)
}

package attestation

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

var (
	peerA = common.HexToAddress("0x1000000000000000000000000000000000000001")
	peerB = common.HexToAddress("0x2000000000000000000000000000000000000002")
	peerC = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func opinions() []trust.Opinion {
	return []trust.Opinion{
		{Source: peerA, Target: peerC, Weight: 0.25},
		{Source: peerA, Target: peerB, Weight: 0.75},
	}
}

func TestCommitIsPureAndOrderIndependent(t *testing.T) {
	codec := New(4)
	first, err := codec.Commit(peerA, 7, opinions())
	require.NoError(t, err)

	ops := opinions()
	ops[0], ops[1] = ops[1], ops[0]
	second, err := codec.Commit(peerA, 7, ops)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.False(t, first.IsZero())
}

func TestCommitDependsOnEveryInput(t *testing.T) {
	codec := New(4)
	base, err := codec.Commit(peerA, 7, opinions())
	require.NoError(t, err)

	otherRound, err := codec.Commit(peerA, 8, opinions())
	require.NoError(t, err)
	require.NotEqual(t, base, otherRound)

	ops := opinions()
	ops[0].Weight = 0.26
	otherWeight, err := codec.Commit(peerA, 7, ops)
	require.NoError(t, err)
	require.NotEqual(t, base, otherWeight)

	wider, err := New(8).Commit(peerA, 7, opinions())
	require.NoError(t, err)
	require.NotEqual(t, base, wider)
}

func TestCommitRejectsMalformedOpinions(t *testing.T) {
	codec := New(2)
	cases := map[string][]trust.Opinion{
		"over capacity": {
			{Source: peerA, Target: peerB, Weight: 0.1},
			{Source: peerA, Target: peerC, Weight: 0.1},
			{Source: peerA, Target: common.HexToAddress("0x04"), Weight: 0.1},
		},
		"duplicate target": {
			{Source: peerA, Target: peerB, Weight: 0.1},
			{Source: peerA, Target: peerB, Weight: 0.2},
		},
		"foreign source": {{Source: peerB, Target: peerC, Weight: 0.1}},
		"invalid weight": {{Source: peerA, Target: peerB, Weight: 1.5}},
		"zero target":    {{Source: peerA, Weight: 0.5}},
	}
	for name, ops := range cases {
		_, err := codec.Commit(peerA, 1, ops)
		require.Equal(t, CodeMalformedCommitment, xerrors.CodeOf(err), name)
	}
}

func TestStatementLayout(t *testing.T) {
	st, err := New(4).Statement(peerA, 3, opinions())
	require.NoError(t, err)
	require.Equal(t, 2, st.Size)
	require.Len(t, st.Entries, 4)
	require.Equal(t, peerB, st.Entries[0].Target)
	require.Equal(t, uint64(750_000_000), st.Entries[0].Weight)
	require.Len(t, st.FieldElements(), 10)

	back := st.Opinions()
	require.Len(t, back, 2)
	require.InDelta(t, 0.75, back[0].Weight, 1e-12)
}

func TestStatementEntriesSortedByTarget(t *testing.T) {
	var ops []trust.Opinion
	for _, b := range []byte{0x06, 0x02, 0x05, 0x01, 0x04, 0x03} {
		ops = append(ops, trust.Opinion{Source: peerA, Target: common.BytesToAddress([]byte{b}), Weight: float64(b) / 10})
	}
	st, err := New(8).Statement(peerA, 1, ops)
	require.NoError(t, err)
	require.Equal(t, 6, st.Size)
	for i := 1; i < st.Size; i++ {
		require.Negative(t, trust.ComparePeers(st.Entries[i-1].Target, st.Entries[i].Target))
	}
	require.Equal(t, common.BytesToAddress([]byte{0x01}), st.Entries[0].Target)
	require.Equal(t, Quantize(0.1), st.Entries[0].Weight)
	require.Equal(t, common.Address{}, st.Entries[6].Target)
}

func TestPayloadRoundTripAndTamperDetection(t *testing.T) {
	codec := New(4)
	st, err := codec.Statement(peerA, 9, opinions())
	require.NoError(t, err)

	raw, err := EncodePayload(NewPayload(st, []byte{0xde, 0xad}))
	require.NoError(t, err)

	decoded, err := codec.DecodePayload(raw)
	require.NoError(t, err)
	require.Equal(t, st.Commitment(), decoded.Commitment)
	require.Equal(t, uint64(9), decoded.Round)
	require.Equal(t, []byte{0xde, 0xad}, decoded.Proof)

	tampered := NewPayload(st, nil)
	tampered.Entries[0].Weight = 1
	raw, err = EncodePayload(tampered)
	require.NoError(t, err)
	_, err = codec.DecodePayload(raw)
	require.Equal(t, CodeMalformedCommitment, xerrors.CodeOf(err))

	_, err = codec.DecodePayload([]byte{0x01, 0x02})
	require.Equal(t, CodeMalformedCommitment, xerrors.CodeOf(err))
}

func TestCommitmentText(t *testing.T) {
	c, err := New(4).Commit(peerA, 1, opinions())
	require.NoError(t, err)
	text, err := c.MarshalText()
	require.NoError(t, err)

	var back Commitment
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, c, back)
}

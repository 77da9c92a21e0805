package aggregator

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

func signedOpinion(t *testing.T, weight float64) (Envelope, trust.Peer) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	target := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	env := Envelope{
		Kind:      KindOpinion,
		Round:     1,
		Opinions:  []OpinionEntry{{Target: target, Weight: weight}},
		Timestamp: 1700000000,
	}
	require.NoError(t, env.Sign(key))
	return env, target
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDecodeSignedOpinion(t *testing.T) {
	env, target := signedOpinion(t, 0.4)

	sub, err := Decode(encode(t, env), true)
	require.NoError(t, err)
	op, ok := sub.(OpinionSubmission)
	require.True(t, ok)
	require.Equal(t, env.Peer, op.Peer)
	require.Equal(t, uint64(1), op.Round)
	require.Equal(t, []trust.Opinion{{Source: env.Peer, Target: target, Weight: 0.4}}, op.Opinions)
}

func TestDecodeRejectsOutOfRangeWeight(t *testing.T) {
	env, _ := signedOpinion(t, 1.5)

	_, err := Decode(encode(t, env), true)
	require.Error(t, err)
	require.Equal(t, trust.CodeInvalidWeight, xerrors.CodeOf(err))
}

func TestDecodeRejectsForeignSignature(t *testing.T) {
	env, _ := signedOpinion(t, 0.2)
	env.Peer = crypto.PubkeyToAddress(mustKey(t).PublicKey)

	_, err := Decode(encode(t, env), true)
	require.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err))

	// 签名校验关闭时只做内容校验。
	_, err = Decode(encode(t, env), false)
	require.NoError(t, err)
}

func TestDecodeRejectsTamperedWeights(t *testing.T) {
	env, _ := signedOpinion(t, 0.2)
	env.Opinions[0].Weight = 0.9

	_, err := Decode(encode(t, env), true)
	require.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err))
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	env, target := signedOpinion(t, 0.2)
	env.Opinions = append(env.Opinions, OpinionEntry{Target: target, Weight: 0.1})

	cases := map[string][]byte{
		"unknown field":    []byte(`{"kind":"opinion","peer":"0x00000000000000000000000000000000000000aa","extra":1}`),
		"missing peer":     []byte(`{"kind":"opinion","opinions":[]}`),
		"unknown kind":     []byte(`{"kind":"vote","peer":"0x00000000000000000000000000000000000000aa"}`),
		"duplicate target": encode(t, env),
		"attestation without proof": []byte(`{"kind":"attestation","peer":"0x00000000000000000000000000000000000000aa","round":1,` +
			`"commitment":"0x0000000000000000000000000000000000000000000000000000000000000001"}`),
		"not json": []byte(`opinion`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw, false)
			require.Equal(t, CodeMalformedSubmission, xerrors.CodeOf(err))
		})
	}
}

func TestPretrustEnvelopeRequiresValidDistribution(t *testing.T) {
	key := mustKey(t)
	a := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	b := crypto.PubkeyToAddress(mustKey(t).PublicKey)

	env := Envelope{Kind: KindPretrust, Weights: []WeightEntry{{Peer: a, Weight: 0.5}, {Peer: b, Weight: 0.4}}, Timestamp: 1700000000}
	require.NoError(t, env.Sign(key))
	_, err := env.PretrustUpdate()
	require.Equal(t, trust.CodeInvalidDistribution, xerrors.CodeOf(err))

	env.Weights[1].Weight = 0.5
	require.NoError(t, env.Sign(key))
	upd, err := env.PretrustUpdate()
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), upd.Actor)
	require.InDelta(t, 1.0, upd.Weights[a]+upd.Weights[b], 1e-12)
}

func TestCloseEnvelopeRequiresSignature(t *testing.T) {
	env := Envelope{Kind: KindClose, Peer: crypto.PubkeyToAddress(mustKey(t).PublicKey), Timestamp: 1700000000}
	_, err := env.CloseRequest()
	require.Equal(t, xerrors.CodeUnauthorized, xerrors.CodeOf(err))

	key := mustKey(t)
	require.NoError(t, env.Sign(key))
	req, err := env.CloseRequest()
	require.NoError(t, err)
	require.Equal(t, env.Peer, req.Actor)
}

func TestSignedEnvelopesRequireTimestamp(t *testing.T) {
	key := mustKey(t)
	env := Envelope{Kind: KindOpinion, Round: 1, Opinions: []OpinionEntry{{Target: crypto.PubkeyToAddress(mustKey(t).PublicKey), Weight: 0.5}}}
	require.NoError(t, env.Sign(key))

	_, err := Decode(encode(t, env), true)
	require.Equal(t, CodeMalformedSubmission, xerrors.CodeOf(err))

	closeEnv := Envelope{Kind: KindClose}
	require.NoError(t, closeEnv.Sign(key))
	_, err = closeEnv.CloseRequest()
	require.Equal(t, CodeMalformedSubmission, xerrors.CodeOf(err))

	env.Timestamp = -1
	_, err = Decode(encode(t, env), false)
	require.Equal(t, CodeMalformedSubmission, xerrors.CodeOf(err))
}

func TestDecodeCarriesTimestamp(t *testing.T) {
	env, _ := signedOpinion(t, 0.3)
	sub, err := Decode(encode(t, env), true)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), sub.(OpinionSubmission).Timestamp)
}

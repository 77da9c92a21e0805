package proof

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/brech1/eigentrust-protocol/internal/attestation"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// digestBackend 的证明是公开输入的哈希，便于构造有效与无效证明。
type digestBackend struct {
	verifications atomic.Int32
	failProve     bool
}

func (b *digestBackend) Name() string { return "digest" }

func (b *digestBackend) Prove(_ context.Context, public PublicInputs, w Witness) ([]byte, error) {
	if b.failProve {
		return nil, errors.New("constraint not satisfied")
	}
	if w.Statement.Commitment() != public.Commitment {
		return nil, errors.New("witness mismatch")
	}
	return digest(public), nil
}

func (b *digestBackend) Verify(_ context.Context, public PublicInputs, data []byte) (bool, error) {
	b.verifications.Add(1)
	if len(data) != 32 {
		return false, errors.New("malformed proof")
	}
	return common.BytesToHash(data) == common.BytesToHash(digest(public)), nil
}

func digest(p PublicInputs) []byte {
	return crypto.Keccak256(p.Peer[:], []byte(fmt.Sprint(p.Round)), p.Commitment[:])
}

func peer(i int) trust.Peer {
	return common.BytesToAddress([]byte{byte(i + 1), 0x42})
}

func ownClaim(t *testing.T, m *Manager, source trust.Peer, round uint64) Claim {
	t.Helper()
	att, err := m.ProveOwn(context.Background(), source, round, []trust.Opinion{
		{Source: source, Target: peer(90), Weight: 0.5},
	})
	require.NoError(t, err)
	return Claim{
		ID:         source.Hex(),
		Peer:       source,
		Round:      round,
		Commitment: att.Commitment,
		Opinions:   att.Statement.Opinions(),
		Proof:      att.Proof,
	}
}

func TestVerifyAllToleratesPartialFailure(t *testing.T) {
	var (
		mu     sync.Mutex
		states = map[string][]State{}
	)
	m := NewManager(&digestBackend{}, attestation.New(4),
		WithWorkers(2),
		WithTransitionHook(func(id string, s State, _ Reason) {
			mu.Lock()
			states[id] = append(states[id], s)
			mu.Unlock()
		}))

	claims := make([]Claim, 6)
	for i := range claims {
		claims[i] = ownClaim(t, m, peer(i), 5)
	}
	claims[1].Proof.Data = []byte("garbage")
	claims[3].Commitment[0] ^= 1
	claims[4].Opinions[0].Weight = 0.25

	outcomes := m.VerifyAll(context.Background(), 5, claims)
	require.Len(t, outcomes, 6)

	accepted := 0
	for i, o := range outcomes {
		require.Equal(t, claims[i].ID, o.ClaimID)
		if o.Accepted() {
			accepted++
			continue
		}
		require.Equal(t, StateRejected, o.State)
	}
	require.Equal(t, 3, accepted)
	require.Equal(t, ReasonProofInvalid, outcomes[1].Reason)
	require.Equal(t, ReasonMalformedCommitment, outcomes[3].Reason)
	require.Equal(t, ReasonMalformedCommitment, outcomes[4].Reason)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateReceived, StateVerifying, StateAccepted}, states[claims[0].ID])
	require.Equal(t, []State{StateReceived, StateVerifying, StateRejected}, states[claims[1].ID])
}

func TestProofForOtherCommitmentFails(t *testing.T) {
	m := NewManager(&digestBackend{}, attestation.New(4))
	x := ownClaim(t, m, peer(1), 2)

	att, err := m.ProveOwn(context.Background(), peer(1), 2, []trust.Opinion{
		{Source: peer(1), Target: peer(91), Weight: 1},
	})
	require.NoError(t, err)
	y := Claim{ID: "y", Peer: peer(1), Round: 2, Commitment: att.Commitment, Opinions: att.Statement.Opinions(), Proof: x.Proof}

	out := m.VerifyAll(context.Background(), 2, []Claim{y})
	require.Equal(t, ReasonProofInvalid, out[0].Reason)
	require.Equal(t, CodeProofInvalid, xerrors.CodeOf(out[0].Err()))
}

func TestStaleRoundRejected(t *testing.T) {
	m := NewManager(&digestBackend{}, attestation.New(4))
	c := ownClaim(t, m, peer(2), 7)

	out := m.VerifyAll(context.Background(), 8, []Claim{c})
	require.Equal(t, StateRejected, out[0].State)
	require.Equal(t, ReasonStaleRound, out[0].Reason)

	// 即使声明的轮次被改写，证明自带的轮次依然是旧的。
	c.Round = 8
	c.Opinions = append([]trust.Opinion(nil), c.Opinions...)
	st, err := m.Codec().Statement(c.Peer, 8, c.Opinions)
	require.NoError(t, err)
	c.Commitment = st.Commitment()
	out = m.VerifyAll(context.Background(), 8, []Claim{c})
	require.Equal(t, ReasonStaleRound, out[0].Reason)
}

func TestVerificationCache(t *testing.T) {
	backend := &digestBackend{}
	m := NewManager(backend, attestation.New(4), WithCacheSize(16))
	c := ownClaim(t, m, peer(3), 1)

	first := m.VerifyAll(context.Background(), 1, []Claim{c})
	second := m.VerifyAll(context.Background(), 1, []Claim{c})
	require.True(t, first[0].Accepted())
	require.True(t, second[0].Accepted())
	require.True(t, second[0].Cached)
	require.Equal(t, int32(1), backend.verifications.Load())
}

func TestProveOwnWrapsCircuitError(t *testing.T) {
	m := NewManager(&digestBackend{failProve: true}, attestation.New(4))
	_, err := m.ProveOwn(context.Background(), peer(4), 1, []trust.Opinion{
		{Source: peer(4), Target: peer(5), Weight: 1},
	})
	require.Equal(t, CodeCircuitError, xerrors.CodeOf(err))

	_, err = m.ProveOwn(context.Background(), peer(4), 1, []trust.Opinion{
		{Source: peer(4), Target: peer(5), Weight: 2},
	})
	require.Equal(t, attestation.CodeMalformedCommitment, xerrors.CodeOf(err))
}

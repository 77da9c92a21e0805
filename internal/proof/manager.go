package proof

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/brech1/eigentrust-protocol/internal/attestation"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
	"github.com/brech1/eigentrust-protocol/pkg/logger"
)

type cacheKey struct {
	peer       trust.Peer
	round      uint64
	commitment attestation.Commitment
	proof      common.Hash
}

// TransitionHook 在提交状态变化时被调用，需并发安全。
type TransitionHook func(claimID string, state State, reason Reason)

// Manager 负责本地证明生成与远端证明的并行验证。
type Manager struct {
	backend       Backend
	codec         attestation.Codec
	workers       int
	verifyTimeout time.Duration
	proveTimeout  time.Duration
	cache         *lru.Cache[cacheKey, bool]
	hook          TransitionHook
	logger        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Manager)

// WithWorkers 设置验证协程上限。
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithVerifyTimeout 设置单个验证的超时。
func WithVerifyTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.verifyTimeout = d
		}
	}
}

// WithProveTimeout 设置本地证明生成的超时。
func WithProveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.proveTimeout = d
		}
	}
}

// WithCacheSize 设置验证结果缓存容量，0 表示禁用。
func WithCacheSize(size int) Option {
	return func(m *Manager) {
		if size <= 0 {
			m.cache = nil
			return
		}
		cache, err := lru.New[cacheKey, bool](size)
		if err == nil {
			m.cache = cache
		}
	}
}

// WithTransitionHook 注册状态变化回调。
func WithTransitionHook(hook TransitionHook) Option {
	return func(m *Manager) {
		m.hook = hook
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager 构造 Manager。
func NewManager(backend Backend, codec attestation.Codec, opts ...Option) *Manager {
	m := &Manager{
		backend:       backend,
		codec:         codec,
		workers:       4,
		verifyTimeout: 10 * time.Second,
		proveTimeout:  time.Minute,
	}
	WithCacheSize(1024)(m)
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("proof")
	}
	return m
}

// BackendName 返回证明后端名称。
func (m *Manager) BackendName() string {
	if m.backend == nil {
		return ""
	}
	return m.backend.Name()
}

// Codec 返回使用的编解码器。
func (m *Manager) Codec() attestation.Codec { return m.codec }

// ProveOwn 为本地节点的观点生成承诺和证明。后端失败包装为 CIRCUIT_ERROR，
// 只影响本节点在该轮的贡献。
func (m *Manager) ProveOwn(ctx context.Context, peer trust.Peer, round uint64, opinions []trust.Opinion) (Attestation, error) {
	if m.backend == nil {
		return Attestation{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明后端")
	}
	st, err := m.codec.Statement(peer, round, opinions)
	if err != nil {
		return Attestation{}, err
	}
	public := PublicInputs{Peer: peer, Round: round, Commitment: st.Commitment()}

	proveCtx, cancel := context.WithTimeout(ctx, m.proveTimeout)
	defer cancel()
	start := time.Now()
	data, err := m.backend.Prove(proveCtx, public, Witness{Statement: st})
	if err != nil {
		return Attestation{}, xerrors.Wrap(CodeCircuitError, err, "生成证明失败",
			xerrors.WithMetadata("backend", m.backend.Name()))
	}
	m.logger.Debug("本地证明生成完成",
		slog.String("peer", peer.Hex()),
		slog.Uint64("round", round),
		slog.Duration("elapsed", time.Since(start)))
	return Attestation{
		Statement:  st,
		Commitment: public.Commitment,
		Proof:      Proof{Data: data, Public: public},
	}, nil
}

// VerifyAll 并行验证一轮中的全部提交，所有验证结束后才返回。
// 返回的结果与 claims 一一对应。
func (m *Manager) VerifyAll(ctx context.Context, round uint64, claims []Claim) []Outcome {
	outcomes := make([]Outcome, len(claims))
	var g errgroup.Group
	g.SetLimit(m.workers)
	for i := range claims {
		m.transition(claims[i].ID, StateReceived, ReasonNone)
		g.Go(func() error {
			outcomes[i] = m.verify(ctx, round, claims[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (m *Manager) verify(ctx context.Context, round uint64, c Claim) Outcome {
	start := time.Now()
	out := Outcome{ClaimID: c.ID, Peer: c.Peer, Commitment: c.Commitment, State: StateVerifying}
	m.transition(c.ID, StateVerifying, ReasonNone)

	reject := func(reason Reason, detail string) Outcome {
		out.State = StateRejected
		out.Reason = reason
		out.Detail = detail
		out.Duration = time.Since(start)
		m.transition(c.ID, StateRejected, reason)
		return out
	}

	if c.Round != round || c.Proof.Public.Round != round {
		return reject(ReasonStaleRound, "提交轮次与当前轮次不一致")
	}
	st, err := m.codec.Statement(c.Peer, round, c.Opinions)
	if err != nil {
		return reject(ReasonMalformedCommitment, errMessage(err))
	}
	if st.Commitment() != c.Commitment {
		return reject(ReasonMalformedCommitment, "承诺与观点不符")
	}
	if m.backend == nil {
		return reject(ReasonProofInvalid, "未配置证明后端")
	}

	public := PublicInputs{Peer: c.Peer, Round: round, Commitment: c.Commitment}
	key := cacheKey{peer: c.Peer, round: round, commitment: c.Commitment, proof: crypto.Keccak256Hash(c.Proof.Data)}
	if m.cache != nil {
		if ok, hit := m.cache.Get(key); hit {
			out.Cached = true
			if !ok {
				return reject(ReasonProofInvalid, "证明验证未通过")
			}
			return m.accept(out, start)
		}
	}

	verifyCtx, cancel := context.WithTimeout(ctx, m.verifyTimeout)
	defer cancel()
	ok, err := m.backend.Verify(verifyCtx, public, c.Proof.Data)
	if err != nil {
		// 超时与取消不写入缓存。
		if verifyCtx.Err() == nil && m.cache != nil {
			m.cache.Add(key, false)
		}
		return reject(ReasonProofInvalid, err.Error())
	}
	if m.cache != nil {
		m.cache.Add(key, ok)
	}
	if !ok {
		return reject(ReasonProofInvalid, "证明验证未通过")
	}
	return m.accept(out, start)
}

func (m *Manager) accept(out Outcome, start time.Time) Outcome {
	out.State = StateAccepted
	out.Duration = time.Since(start)
	m.transition(out.ClaimID, StateAccepted, ReasonNone)
	return out
}

func (m *Manager) transition(id string, state State, reason Reason) {
	if m.hook != nil {
		m.hook(id, state, reason)
	}
}

func errMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

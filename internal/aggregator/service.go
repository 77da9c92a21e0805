package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brech1/eigentrust-protocol/internal/anchor"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
	"github.com/brech1/eigentrust-protocol/internal/eigentrust"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/observability/alerting"
	"github.com/brech1/eigentrust-protocol/internal/observability/metrics"
	"github.com/brech1/eigentrust-protocol/internal/policy"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/storage"
	"github.com/brech1/eigentrust-protocol/internal/trust"
	"github.com/brech1/eigentrust-protocol/internal/web3"
	"github.com/brech1/eigentrust-protocol/pkg/logger"
)

// Anchorer 是链上锚定器的最小接口。
type Anchorer interface {
	Anchor(ctx context.Context, req anchor.Request) (anchor.Record, error)
	List(filter anchor.Filter) []anchor.Record
	Stats() anchor.Stats
}

// Config 控制轮次行为。
type Config struct {
	// Self 是本节点地址，零值表示不提交自己的证明。
	Self          trust.Peer
	Params        eigentrust.Params
	Pretrusted    trust.Distribution
	Interval      time.Duration
	Quorum        int
	ExpectedPeers []trust.Peer
	HistorySize   int
	ProveOwn      bool
	// MaxClockSkew 限制信封时间戳与本地时钟的偏差，负值关闭该检查。
	MaxClockSkew  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Params == (eigentrust.Params{}) {
		c.Params = eigentrust.DefaultParams()
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 64
	}
	if c.MaxClockSkew == 0 {
		c.MaxClockSkew = DefaultMaxClockSkew
	}
}

// DefaultMaxClockSkew 是未配置时允许的信封时钟偏差。
const DefaultMaxClockSkew = 5 * time.Minute

// Option 配置 Service。
type Option func(*Service)

// WithAnchorer 启用链上锚定。
func WithAnchorer(a Anchorer) Option {
	return func(s *Service) { s.anchorer = a }
}

// WithAnchorReports 订阅锚定器的异步报告。
func WithAnchorReports(reports <-chan anchor.Report) Option {
	return func(s *Service) { s.reports = reports }
}

// WithChain 指定启动恢复时读取链上载荷的客户端。
func WithChain(client web3.Client) Option {
	return func(s *Service) { s.chain = client }
}

// WithJournal 指定持久化日志。
func WithJournal(j storage.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithAuthorizer 指定管理操作的授权器。
func WithAuthorizer(a policy.Authorizer) Option {
	return func(s *Service) { s.authorizer = a }
}

// WithAlertDispatcher 指定告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Service) { s.alerts = d }
}

// WithLogger 覆盖默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type roundBuffer struct {
	id           uint64
	openedAt     time.Time
	opinions     map[trust.Peer]map[trust.Peer]float64
	attestations map[trust.Peer]AttestationSubmission
	submitters   map[trust.Peer]struct{}
	received     int
}

func newRoundBuffer(id uint64, openedAt time.Time) *roundBuffer {
	return &roundBuffer{
		id:           id,
		openedAt:     openedAt,
		opinions:     make(map[trust.Peer]map[trust.Peer]float64),
		attestations: make(map[trust.Peer]AttestationSubmission),
		submitters:   make(map[trust.Peer]struct{}),
	}
}

func (b *roundBuffer) empty() bool {
	return len(b.opinions) == 0 && len(b.attestations) == 0
}

// Service 是轮次聚合器。
type Service struct {
	cfg        Config
	graph      *trust.Graph
	proofs     *proof.Manager
	codec      attestation.Codec
	anchorer   Anchorer
	reports    <-chan anchor.Report
	chain      web3.Client
	journal    storage.Journal
	authorizer policy.Authorizer
	alerts     alerting.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	expected   map[trust.Peer]struct{}

	// computeMu 串行化关闭轮次，mu 保护开放轮次与预信任暂存。
	computeMu sync.Mutex
	mu        sync.Mutex
	open      *roundBuffer
	staged    trust.Distribution
	// seen 记录每个 (节点, 类型) 已接受的最新信封时间戳。
	seen map[seenKey]int64

	snapshot atomic.Pointer[Snapshot]
	quorum   chan struct{}

	historyMu sync.RWMutex
	history   []RoundReport

	healthMu       sync.RWMutex
	lastRoundError string
	circuitError   string
	chainError     string

	ctx       context.Context
	cancel    context.CancelFunc
	anchorsWG sync.WaitGroup
	closeOnce sync.Once
}

// New 创建聚合服务。proofs 为 nil 时所有证明提交都会被拒绝。
func New(cfg Config, proofs *proof.Manager, opts ...Option) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	graph := trust.NewGraph()
	if len(cfg.Pretrusted) > 0 {
		if err := graph.SetPretrusted(cfg.Pretrusted); err != nil {
			return nil, err
		}
	}
	codec := attestation.New(0)
	if proofs != nil {
		codec = proofs.Codec()
	}
	s := &Service{
		cfg:    cfg,
		graph:  graph,
		proofs: proofs,
		codec:  codec,
		now:    time.Now,
		quorum: make(chan struct{}, 1),
		seen:   make(map[seenKey]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("aggregator")
	}
	if len(cfg.ExpectedPeers) > 0 {
		s.expected = make(map[trust.Peer]struct{}, len(cfg.ExpectedPeers))
		for _, p := range cfg.ExpectedPeers {
			s.expected[p] = struct{}{}
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.open = newRoundBuffer(1, s.now())
	return s, nil
}

// Receipt 是提交被接受后的回执。
type Receipt struct {
	ID    string     `json:"submission_id"`
	Kind  Kind       `json:"kind"`
	Peer  trust.Peer `json:"peer"`
	Round uint64     `json:"round"`
}

// Submit 将提交写入当前开放轮次。观点行按 (source, target) 合并，
// 同一节点的证明以最后一次为准。校验失败时不写入任何内容。
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeTimeout, err, "提交已取消")
	}
	kind := "unknown"
	if sub != nil {
		kind = string(sub.Kind())
	}
	receipt, err := s.submit(sub)
	if err != nil {
		metrics.ObserveSubmission(kind, string(xerrors.CodeOf(err)))
		return Receipt{}, err
	}
	metrics.ObserveSubmission(kind, "accepted")
	return receipt, nil
}

func (s *Service) submit(sub Submission) (Receipt, error) {
	if err := validateSubmission(sub); err != nil {
		return Receipt{}, err
	}
	receipt := Receipt{ID: submissionID(sub), Kind: sub.Kind(), Peer: sub.From()}
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ts := submissionTimestamp(sub)
	if err := s.checkFreshLocked(sub.From(), sub.Kind(), ts, false); err != nil {
		return Receipt{}, err
	}
	buf := s.open
	receipt.Round = buf.id
	switch v := sub.(type) {
	case OpinionSubmission:
		if v.Round != 0 && v.Round != buf.id {
			return Receipt{}, xerrors.Newf(proof.CodeStaleRound, "提交轮次 %d 与开放轮次 %d 不一致", v.Round, buf.id)
		}
		row, ok := buf.opinions[v.Peer]
		if !ok {
			row = make(map[trust.Peer]float64, len(v.Opinions))
			buf.opinions[v.Peer] = row
		}
		for _, op := range v.Opinions {
			row[op.Target] = op.Weight
		}
	case AttestationSubmission:
		v.ID = receipt.ID
		v.Claim.ID = receipt.ID
		buf.attestations[v.Claim.Peer] = v
	}
	s.markSeenLocked(sub.From(), sub.Kind(), ts)
	buf.received++
	buf.submitters[sub.From()] = struct{}{}
	if s.quorumReachedLocked() {
		select {
		case s.quorum <- struct{}{}:
		default:
		}
	}
	return receipt, nil
}

type seenKey struct {
	peer trust.Peer
	kind Kind
}

// checkFreshLocked 拒绝早于同一节点同类已接受信封的时间戳，以及超出时钟偏差的时间戳。
// strict 为 true 时相同时间戳同样拒绝。零时间戳表示进程内构造的提交，不做检查。调用方须持有 s.mu。
func (s *Service) checkFreshLocked(peer trust.Peer, kind Kind, ts int64, strict bool) error {
	if ts == 0 {
		return nil
	}
	if skew := s.cfg.MaxClockSkew; skew > 0 {
		now := s.now()
		at := time.Unix(ts, 0)
		if at.After(now.Add(skew)) || at.Before(now.Add(-skew)) {
			return xerrors.Newf(CodeStaleSubmission, "信封时间戳 %d 超出允许的时钟偏差 %s", ts, skew)
		}
	}
	last, ok := s.seen[seenKey{peer: peer, kind: kind}]
	if ok && (ts < last || (strict && ts == last)) {
		return xerrors.Newf(CodeStaleSubmission, "%s 的 %s 信封时间戳 %d 早于已接受的 %d", peer.Hex(), kind, ts, last)
	}
	return nil
}

func (s *Service) markSeenLocked(peer trust.Peer, kind Kind, ts int64) {
	if ts == 0 {
		return
	}
	key := seenKey{peer: peer, kind: kind}
	if ts > s.seen[key] {
		s.seen[key] = ts
	}
}

func (s *Service) quorumReachedLocked() bool {
	if s.cfg.Quorum <= 0 {
		return false
	}
	count := 0
	for p := range s.open.submitters {
		if s.expected != nil {
			if _, ok := s.expected[p]; !ok {
				continue
			}
		}
		count++
	}
	return count >= s.cfg.Quorum
}

// StagePretrust 校验并暂存新的预信任分布，在下一次计算时生效。
func (s *Service) StagePretrust(ctx context.Context, upd PretrustUpdate) error {
	if err := upd.Weights.Validate(); err != nil {
		return err
	}
	decision := policy.Decision{
		Actor:   upd.Actor,
		Action:  policy.ActionPretrustUpdate,
		Round:   s.CurrentRound().Round,
		Weights: upd.Weights,
	}
	if err := policy.Authorize(ctx, s.authorizer, decision); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkFreshLocked(upd.Actor, KindPretrust, upd.Timestamp, false); err != nil {
		s.mu.Unlock()
		return err
	}
	s.markSeenLocked(upd.Actor, KindPretrust, upd.Timestamp)
	s.staged = upd.Weights.Clone()
	s.mu.Unlock()
	logger.Audit().Info("预信任分布已暂存",
		slog.String("actor", upd.Actor.Hex()),
		slog.Int("peers", len(upd.Weights)),
		slog.Uint64("round", decision.Round))
	return nil
}

// RequestClose 在授权通过后立即关闭当前轮次。
func (s *Service) RequestClose(ctx context.Context, req CloseRequest) (RoundReport, error) {
	current := s.CurrentRound().Round
	if req.Round != 0 && req.Round != current {
		return RoundReport{}, xerrors.Newf(proof.CodeStaleRound, "请求关闭轮次 %d，当前开放轮次为 %d", req.Round, current)
	}
	decision := policy.Decision{Actor: req.Actor, Action: policy.ActionRoundClose, Round: current}
	if err := policy.Authorize(ctx, s.authorizer, decision); err != nil {
		return RoundReport{}, err
	}
	s.mu.Lock()
	// 未指定轮次的关闭请求不幂等，相同时间戳也视为重放；指定轮次的重放由 STALE_ROUND 拦截。
	if err := s.checkFreshLocked(req.Actor, KindClose, req.Timestamp, req.Round == 0); err != nil {
		s.mu.Unlock()
		return RoundReport{}, err
	}
	s.markSeenLocked(req.Actor, KindClose, req.Timestamp)
	s.mu.Unlock()
	logger.Audit().Info("收到关闭轮次请求",
		slog.String("actor", req.Actor.Hex()),
		slog.Uint64("round", current))
	return s.CloseRound(ctx, "manual")
}

// Snapshot 返回最近发布的快照，尚未发布时返回 false。
func (s *Service) Snapshot() (*Snapshot, bool) {
	snap := s.snapshot.Load()
	return snap, snap != nil
}

// Score 返回节点在最近快照中的得分。
func (s *Service) Score(peer trust.Peer) (PeerScore, error) {
	snap := s.snapshot.Load()
	if snap == nil {
		return PeerScore{}, xerrors.New(xerrors.CodeUnavailable, "尚未发布信任快照")
	}
	score, ok := snap.Scores.Score(peer)
	if !ok {
		return PeerScore{}, xerrors.Newf(xerrors.CodeNotFound, "节点 %s 不在快照中", peer.Hex())
	}
	return PeerScore{Peer: peer, Score: score, Round: snap.Round}, nil
}

// CurrentRound 返回开放轮次的状态。
func (s *Service) CurrentRound() RoundStatus {
	s.mu.Lock()
	status := RoundStatus{
		Round:          s.open.id,
		OpenedAt:       s.open.openedAt,
		Submissions:    s.open.received,
		Submitters:     len(s.open.submitters),
		Quorum:         s.cfg.Quorum,
		PretrustStaged: s.staged != nil,
	}
	s.mu.Unlock()
	if snap := s.snapshot.Load(); snap != nil {
		status.Published = snap.Round
	}
	return status
}

// Report 返回已关闭轮次的报告，附带该轮的锚定记录。
func (s *Service) Report(round uint64) (RoundReport, bool) {
	s.historyMu.RLock()
	var (
		report RoundReport
		found  bool
	)
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Round == round {
			report, found = s.history[i].clone(), true
			break
		}
	}
	s.historyMu.RUnlock()
	if !found {
		return RoundReport{}, false
	}
	report.Anchors = s.AnchorStatus(round)
	return report, true
}

// Reports 返回保留的全部轮次报告，按轮次升序。
func (s *Service) Reports() []RoundReport {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	out := make([]RoundReport, len(s.history))
	for i, r := range s.history {
		out[i] = r.clone()
	}
	return out
}

// AnchorStatus 返回指定轮次的锚定记录，round 为 0 时返回全部。
func (s *Service) AnchorStatus(round uint64) []anchor.Record {
	if s.anchorer == nil {
		return nil
	}
	return s.anchorer.List(anchor.Filter{Round: round})
}

// Health 返回当前健康状态。
func (s *Service) Health() Health {
	h := Health{
		Status:    HealthOK,
		Round:     s.CurrentRound().Round,
		Anchoring: s.anchorer != nil,
		CheckedAt: s.now().UTC(),
	}
	if s.proofs != nil {
		h.ProofBackend = s.proofs.BackendName()
	}
	if snap := s.snapshot.Load(); snap != nil {
		h.Published = snap.Round
	}
	if s.anchorer != nil {
		h.Anchors = s.anchorer.Stats()
	}
	s.healthMu.RLock()
	h.LastRoundError = s.lastRoundError
	h.CircuitError = s.circuitError
	h.ChainError = s.chainError
	s.healthMu.RUnlock()
	if h.LastRoundError != "" || h.CircuitError != "" || h.ChainError != "" {
		h.Status = HealthDegraded
	}
	return h
}

// Close 停止后台锚定等待并释放资源。
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.anchorsWG.Wait()
	})
	return nil
}

func (s *Service) remember(report RoundReport) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, report.clone())
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]RoundReport(nil), s.history[over:]...)
	}
}

func (s *Service) setHealth(field *string, msg string) {
	s.healthMu.Lock()
	*field = msg
	s.healthMu.Unlock()
}

func (s *Service) alert(ctx context.Context, component string, round uint64, err error) {
	if s.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError(component, err)
	event.Round = round
	if notifyErr := s.alerts.Notify(ctx, event); notifyErr != nil {
		s.logger.Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}

package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/observability/alerting"
	"github.com/brech1/eigentrust-protocol/internal/observability/metrics"
	"github.com/brech1/eigentrust-protocol/internal/web3"
	"github.com/brech1/eigentrust-protocol/pkg/logger"
)

// Store 持久化锚定记录。
type Store interface {
	SaveAnchor(ctx context.Context, record Record) error
}

// Config 控制提交与重试。
type Config struct {
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	SweepInterval  time.Duration
	RetryCap       int
}

func (c *Config) applyDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.RetryCap < 0 {
		c.RetryCap = 0
	}
}

type entry struct {
	rec      Record
	changed  chan struct{}
	resubmit bool
}

// Anchorer 管理锚定记录的生命周期。
type Anchorer struct {
	client  web3.Client
	store   Store
	alerter alerting.Dispatcher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*entry
	byTx    map[common.Hash]string

	reports chan Report
	kick    chan struct{}
}

// Option 定义可选配置。
type Option func(*Anchorer)

// WithStore 配置持久化。
func WithStore(store Store) Option {
	return func(a *Anchorer) { a.store = store }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(a *Anchorer) { a.alerter = d }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(a *Anchorer) { a.logger = l }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Anchorer) {
		if now != nil {
			a.now = now
		}
	}
}

// New 构造 Anchorer。
func New(client web3.Client, cfg Config, opts ...Option) *Anchorer {
	cfg.applyDefaults()
	a := &Anchorer{
		client:  client,
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*entry),
		byTx:    make(map[common.Hash]string),
		reports: make(chan Report, 64),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.logger == nil {
		a.logger = logger.Named("anchor")
	}
	return a
}

// Reports 返回 AnchorTimeout 等非致命事件的通道。
func (a *Anchorer) Reports() <-chan Report { return a.reports }

// Anchor 提交载荷并立即返回 Pending 记录，不等待确认。
// 只有不可重试的提交错误才会让记录直接失败并返回错误。
func (a *Anchorer) Anchor(ctx context.Context, req Request) (Record, error) {
	if a.client == nil {
		return Record{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	if len(req.Payload) == 0 {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "锚定载荷不能为空")
	}
	now := a.now()
	rec := Record{
		ID:         uuid.NewString(),
		Round:      req.Round,
		Peer:       req.Peer,
		Commitment: req.Commitment,
		Payload:    append([]byte(nil), req.Payload...),
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	a.mu.Lock()
	a.records[rec.ID] = &entry{rec: rec, changed: make(chan struct{})}
	a.mu.Unlock()
	metrics.ObserveAnchorTransition(string(StatusPending))

	err := a.submit(ctx, rec.ID)
	out, _ := a.Get(rec.ID)
	if err != nil && out.Status == StatusFailed {
		return out, err
	}
	return out, nil
}

// submit 发送一次交易并更新记录。失败时记录保持 Pending 等待下一次巡检。
func (a *Anchorer) submit(ctx context.Context, id string) error {
	a.mu.Lock()
	e, ok := a.records[id]
	if !ok {
		a.mu.Unlock()
		return xerrors.Newf(xerrors.CodeNotFound, "锚定记录 %s 不存在", id)
	}
	e.resubmit = false
	about, payload, attempt := e.rec.Peer, e.rec.Payload, e.rec.Attempts
	a.mu.Unlock()

	submitCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	defer cancel()
	hash, err := a.client.SubmitAttestation(submitCtx, about, payload, web3.SubmitOptions{Attempt: attempt})

	a.mu.Lock()
	now := a.now()
	e.rec.Attempts++
	e.rec.SubmittedAt = now
	e.rec.UpdatedAt = now
	if err != nil {
		e.rec.LastError = err.Error()
		e.rec.ErrorCode = string(xerrors.CodeOf(err))
		if coded, ok := xerrors.From(err); ok && !coded.Retryable() {
			a.transitionLocked(e, StatusFailed)
		}
	} else {
		e.rec.TxHash = hash
		e.rec.TxHistory = append(e.rec.TxHistory, hash)
		e.rec.LastError = ""
		e.rec.ErrorCode = ""
		a.byTx[hash] = id
	}
	rec := e.rec.clone()
	a.mu.Unlock()

	a.persist(ctx, rec)
	if err != nil {
		a.logger.Warn("提交锚定交易失败",
			slog.String("anchor_id", id),
			slog.Int("attempt", rec.Attempts),
			slog.Any("error", err))
		return err
	}
	logger.Audit().Info("锚定交易已提交",
		slog.String("anchor_id", id),
		slog.Uint64("round", rec.Round),
		slog.String("commitment", rec.Commitment.Hex()),
		slog.String("tx_hash", hash.Hex()),
		slog.Int("attempt", rec.Attempts))
	return nil
}

// OnConfirmation 处理确认事件，只有 Pending 记录会前进到 Confirmed。
func (a *Anchorer) OnConfirmation(txHash common.Hash, blockNumber uint64) bool {
	a.mu.Lock()
	id, ok := a.byTx[txHash]
	if !ok {
		a.mu.Unlock()
		return false
	}
	e := a.records[id]
	if e.rec.Status != StatusPending {
		a.mu.Unlock()
		return false
	}
	e.rec.TxHash = txHash
	e.rec.BlockNumber = blockNumber
	e.rec.LastError = ""
	e.rec.ErrorCode = ""
	e.resubmit = false
	a.transitionLocked(e, StatusConfirmed)
	rec := e.rec.clone()
	a.mu.Unlock()

	a.persist(context.Background(), rec)
	logger.Audit().Info("锚定已确认",
		slog.String("anchor_id", id),
		slog.Uint64("round", rec.Round),
		slog.String("tx_hash", txHash.Hex()),
		slog.Uint64("block", blockNumber))
	return true
}

// OnReorg 处理重组事件：Confirmed 回退为 Pending 并安排重新提交。
func (a *Anchorer) OnReorg(txHash common.Hash) bool {
	a.mu.Lock()
	id, ok := a.byTx[txHash]
	if !ok {
		a.mu.Unlock()
		return false
	}
	e := a.records[id]
	if e.rec.Status != StatusConfirmed || e.rec.TxHash != txHash {
		a.mu.Unlock()
		return false
	}
	e.rec.Reorgs++
	e.rec.BlockNumber = 0
	e.rec.ErrorCode = string(CodeLedgerReorg)
	e.rec.LastError = fmt.Sprintf("交易 %s 被重组移除", txHash.Hex())
	e.resubmit = true
	a.transitionLocked(e, StatusPending)
	rec := e.rec.clone()
	a.mu.Unlock()

	a.persist(context.Background(), rec)
	a.logger.Warn("检测到链重组，安排重新提交",
		slog.String("anchor_id", id),
		slog.String("tx_hash", txHash.Hex()))
	a.report(rec, xerrors.New(CodeLedgerReorg, rec.LastError, xerrors.WithAlert(false)))
	a.signal()
	return true
}

// Await 等待记录进入终态或 ctx 结束。
func (a *Anchorer) Await(ctx context.Context, id string) (Record, error) {
	for {
		a.mu.Lock()
		e, ok := a.records[id]
		if !ok {
			a.mu.Unlock()
			return Record{}, xerrors.Newf(xerrors.CodeNotFound, "锚定记录 %s 不存在", id)
		}
		rec, changed := e.rec.clone(), e.changed
		a.mu.Unlock()
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-changed:
		}
	}
}

// Get 返回记录副本。
func (a *Anchorer) Get(id string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.records[id]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// List 按创建时间返回匹配的记录。
func (a *Anchorer) List(filter Filter) []Record {
	a.mu.Lock()
	out := make([]Record, 0, len(a.records))
	for _, e := range a.records {
		if filter.match(e.rec) {
			out = append(out, e.rec.clone())
		}
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats 返回各状态计数。
func (a *Anchorer) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var s Stats
	for _, e := range a.records {
		switch e.rec.Status {
		case StatusPending:
			s.Pending++
		case StatusConfirmed:
			s.Confirmed++
		case StatusFailed:
			s.Failed++
		}
		s.Reorgs += e.rec.Reorgs
	}
	return s
}

// Run 消费链上事件并定期巡检 Pending 记录，直到 ctx 结束。
func (a *Anchorer) Run(ctx context.Context) error {
	if a.client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	sub := a.subscribe(ctx)
	defer func() { sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				sub = nil
				continue
			}
			if ev.Removed {
				a.OnReorg(ev.TxHash)
			} else {
				a.OnConfirmation(ev.TxHash, ev.BlockNumber)
			}
		case err := <-sub.Err():
			a.logger.Warn("链上事件订阅中断", slog.Any("error", err))
			sub.Close()
			sub = nil
		case <-ticker.C:
			if sub == nil {
				sub = a.subscribe(ctx)
			}
			a.sweep(ctx)
		case <-a.kick:
			a.sweep(ctx)
		}
	}
}

func (a *Anchorer) subscribe(ctx context.Context) *web3.Subscription {
	sub, err := a.client.SubscribeAttestations(ctx)
	if err != nil {
		a.logger.Warn("订阅链上事件失败，仅依赖巡检", slog.Any("error", err))
		return nil
	}
	return sub
}

// sweep 处理被安排重新提交的记录与确认超时的记录。
func (a *Anchorer) sweep(ctx context.Context) {
	now := a.now()
	var due, stale []string
	a.mu.Lock()
	for id, e := range a.records {
		if e.rec.Status != StatusPending {
			continue
		}
		switch {
		case e.resubmit:
			due = append(due, id)
		case now.Sub(e.rec.SubmittedAt) >= a.cfg.ConfirmTimeout:
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	sort.Strings(due)
	sort.Strings(stale)

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		_ = a.submit(ctx, id)
	}
	for _, id := range stale {
		if ctx.Err() != nil {
			return
		}
		a.checkStale(ctx, id)
	}
}

func (a *Anchorer) checkStale(ctx context.Context, id string) {
	a.mu.Lock()
	e := a.records[id]
	tx := e.rec.TxHash
	a.mu.Unlock()

	if tx != (common.Hash{}) {
		statusCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
		status, err := a.client.TransactionStatus(statusCtx, tx)
		cancel()
		switch {
		case err != nil:
			a.logger.Warn("查询交易状态失败", slog.String("anchor_id", id), slog.Any("error", err))
		case status == web3.TxSuccess:
			// 事件丢失时以回执为准。
			a.OnConfirmation(tx, 0)
			return
		case status == web3.TxFailed:
			a.fail(id, xerrors.Newf(xerrors.CodeChainFailure, "交易 %s 执行失败", tx.Hex()), false)
			return
		}
	}

	a.mu.Lock()
	if e.rec.Status != StatusPending {
		a.mu.Unlock()
		return
	}
	e.rec.Timeouts++
	exhausted := e.rec.Timeouts > a.cfg.RetryCap
	timeouts := e.rec.Timeouts
	a.mu.Unlock()

	if exhausted {
		a.fail(id, xerrors.Newf(CodeAnchorTimeout, "锚定在 %d 次超时后仍未确认", timeouts), true)
		return
	}
	_ = a.submit(ctx, id)
}

func (a *Anchorer) fail(id string, cause error, alert bool) {
	a.mu.Lock()
	e := a.records[id]
	if e.rec.Status != StatusPending {
		a.mu.Unlock()
		return
	}
	e.rec.ErrorCode = string(xerrors.CodeOf(cause))
	e.rec.LastError = cause.Error()
	a.transitionLocked(e, StatusFailed)
	rec := e.rec.clone()
	a.mu.Unlock()

	a.persist(context.Background(), rec)
	logger.Audit().Warn("锚定失败",
		slog.String("anchor_id", id),
		slog.Uint64("round", rec.Round),
		slog.String("code", rec.ErrorCode),
		slog.Int("attempts", rec.Attempts))
	a.report(rec, cause)
	if alert && a.alerter != nil {
		event := alerting.FromError("anchor", cause)
		event.Round = rec.Round
		event.Peer = rec.Peer.Hex()
		event.Attempts = rec.Timeouts
		event.MaxRetries = a.cfg.RetryCap
		if err := a.alerter.Notify(context.Background(), event); err != nil {
			a.logger.Warn("发送告警失败", slog.Any("error", err))
		}
	}
}

// transitionLocked 修改状态并唤醒 Await。调用方须持有锁。
func (a *Anchorer) transitionLocked(e *entry, status Status) {
	e.rec.Status = status
	e.rec.UpdatedAt = a.now()
	close(e.changed)
	e.changed = make(chan struct{})
	metrics.ObserveAnchorTransition(string(status))
}

func (a *Anchorer) persist(ctx context.Context, rec Record) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveAnchor(ctx, rec); err != nil {
		a.logger.Warn("保存锚定记录失败", slog.String("anchor_id", rec.ID), slog.Any("error", err))
	}
}

func (a *Anchorer) report(rec Record, err error) {
	select {
	case a.reports <- Report{Record: rec, Err: err}:
	default:
		a.logger.Warn("锚定报告通道已满，丢弃报告", slog.String("anchor_id", rec.ID))
	}
}

func (a *Anchorer) signal() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/brech1/eigentrust-protocol/internal/anchor"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
	"github.com/brech1/eigentrust-protocol/internal/eigentrust"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/observability/metrics"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/storage"
	"github.com/brech1/eigentrust-protocol/internal/trust"
	"github.com/brech1/eigentrust-protocol/pkg/logger"
)

// anchorItem 是一条待锚定的已接受载荷。
type anchorItem struct {
	peer    trust.Peer
	payload attestation.Payload
}

// Run 驱动轮次关闭：定时器、法定人数与锚定报告。ctx 取消时返回。
func (s *Service) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	reports := s.reports
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			s.closeOnTrigger(ctx, "interval")
		case <-s.quorum:
			s.closeOnTrigger(ctx, "quorum")
		case r, ok := <-reports:
			if !ok {
				reports = nil
				continue
			}
			s.onAnchorReport(ctx, r)
		}
	}
}

func (s *Service) closeOnTrigger(ctx context.Context, reason string) {
	s.mu.Lock()
	idle := s.open.empty() && s.staged == nil
	s.mu.Unlock()
	if idle {
		return
	}
	if _, err := s.CloseRound(ctx, reason); err != nil {
		s.logger.Warn("关闭轮次失败", slog.String("reason", reason), slog.Any("error", err))
	}
}

func (s *Service) onAnchorReport(ctx context.Context, r anchor.Report) {
	if r.Err == nil {
		if r.Record.Status == anchor.StatusConfirmed {
			s.setHealth(&s.chainError, "")
		}
		return
	}
	s.setHealth(&s.chainError, r.Err.Error())
	s.logger.Warn("锚定异常",
		slog.String("anchor_id", r.Record.ID),
		slog.Uint64("round", r.Record.Round),
		slog.String("status", string(r.Record.Status)),
		slog.Any("error", r.Err))
}

// seal 用新的开放轮次替换当前缓冲，并取出暂存的预信任分布。
func (s *Service) seal() (*roundBuffer, trust.Distribution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed := s.open
	staged := s.staged
	s.staged = nil
	s.open = newRoundBuffer(sealed.id+1, s.now())
	return sealed, staged
}

// CloseRound 关闭当前开放轮次：验证证明、应用观点、重新计算并发布快照。
// 计算失败时保留上一次快照并返回错误，报告仍会记录。
func (s *Service) CloseRound(ctx context.Context, reason string) (RoundReport, error) {
	s.computeMu.Lock()
	defer s.computeMu.Unlock()

	start := s.now()
	sealed, staged := s.seal()
	report := RoundReport{
		Round:        sealed.id,
		Reason:       reason,
		OpenedAt:     sealed.openedAt,
		ClosedAt:     start,
		Submissions:  sealed.received,
		OpinionRows:  len(sealed.opinions),
		Attestations: len(sealed.attestations),
	}
	log := s.logger.With(slog.Uint64("round", sealed.id), slog.String("reason", reason))

	claims := make([]proof.Claim, 0, len(sealed.attestations))
	for _, sub := range sealed.attestations {
		claims = append(claims, sub.Claim)
	}
	slices.SortFunc(claims, func(a, b proof.Claim) int { return trust.ComparePeers(a.Peer, b.Peer) })
	outcomes := s.verify(ctx, sealed.id, claims)
	report.Outcomes = outcomes

	var (
		entries []storage.Entry
		items   []anchorItem
	)
	received := s.now().UTC()

	for _, source := range sortedKeys(sealed.opinions) {
		row := sealed.opinions[source]
		ops := make([]trust.Opinion, 0, len(row))
		for _, target := range sortedKeys(row) {
			if err := s.graph.UpsertOpinion(source, target, row[target]); err != nil {
				log.Warn("写入观点失败", slog.String("peer", source.Hex()), slog.Any("error", err))
				continue
			}
			ops = append(ops, trust.Opinion{Source: source, Target: target, Weight: row[target]})
		}
		raw, err := json.Marshal(ops)
		if err != nil {
			log.Warn("编码观点日志失败", slog.Any("error", err))
			continue
		}
		entries = append(entries, storage.Entry{
			Kind: storage.KindOpinion, Round: sealed.id, Peer: source, Payload: raw, ReceivedAt: received,
		})
	}

	for i, out := range outcomes {
		metrics.ObserveVerification(string(out.State), string(out.Reason))
		if !out.Accepted() {
			report.Rejected++
			logger.Audit().Info("证明提交被拒绝",
				slog.Uint64("round", sealed.id),
				slog.String("peer", out.Peer.Hex()),
				slog.String("reason", string(out.Reason)),
				slog.String("detail", out.Detail))
			continue
		}
		claim := claims[i]
		st, err := s.codec.Statement(claim.Peer, sealed.id, claim.Opinions)
		if err != nil {
			log.Warn("重建证明语句失败", slog.String("peer", claim.Peer.Hex()), slog.Any("error", err))
			continue
		}
		if err := s.graph.ReplaceRow(claim.Peer, st.Opinions()); err != nil {
			log.Warn("替换观点行失败", slog.String("peer", claim.Peer.Hex()), slog.Any("error", err))
			continue
		}
		report.Accepted++
		payload := attestation.NewPayload(st, claim.Proof.Data)
		if entry, ok := s.attestationEntry(sealed.id, payload, received); ok {
			entries = append(entries, entry)
		}
		items = append(items, anchorItem{peer: claim.Peer, payload: payload})
	}

	if staged != nil {
		if err := s.graph.SetPretrusted(staged); err != nil {
			log.Warn("应用预信任分布失败", slog.Any("error", err))
		} else {
			report.PretrustApplied = true
			logger.Audit().Info("预信任分布已生效", slog.Uint64("round", sealed.id), slog.Int("peers", len(staged)))
			if raw, err := json.Marshal(staged); err != nil {
				log.Warn("编码预信任日志失败", slog.Any("error", err))
			} else {
				entries = append(entries, storage.Entry{
					Kind: storage.KindPretrust, Round: sealed.id, Payload: raw, ReceivedAt: received,
				})
			}
		}
	}

	if own, ok := s.proveOwn(ctx, sealed.id, &report); ok {
		if entry, ok := s.attestationEntry(sealed.id, own, received); ok {
			entries = append(entries, entry)
		}
		items = append(items, anchorItem{peer: own.Peer, payload: own})
	}

	result, relaxed, peers, err := s.compute(log)
	elapsed := s.now().Sub(start)
	report.Duration = elapsed
	report.Peers = peers
	report.Iterations = result.Iterations
	report.Residual = result.Residual
	report.Converged = result.Converged
	report.Relaxed = relaxed
	if err != nil {
		report.Error = err.Error()
		s.setHealth(&s.lastRoundError, err.Error())
		metrics.ObserveRound("failed", sealed.id, result.Iterations, peers, elapsed)
		s.remember(report)
		s.alert(ctx, "aggregator", sealed.id, err)
		// 观点已写入信任图，仍需持久化以便重启后恢复。
		s.saveSubmissions(ctx, entries)
		log.Error("计算全局信任失败，保留上一次快照", slog.Any("error", err))
		return report.clone(), err
	}

	snap := &Snapshot{
		Round:      sealed.id,
		Scores:     result.Vector,
		Iterations: result.Iterations,
		Residual:   result.Residual,
		Converged:  result.Converged,
		Relaxed:    relaxed,
		ComputedAt: s.now().UTC(),
	}
	s.snapshot.Store(snap)
	report.Published = true
	s.setHealth(&s.lastRoundError, "")
	label := "converged"
	if relaxed {
		label = "relaxed"
	}
	metrics.ObserveRound(label, sealed.id, result.Iterations, peers, elapsed)
	s.remember(report)

	s.saveSubmissions(ctx, entries)
	s.saveRound(ctx, report, snap)
	s.anchorAll(sealed.id, items)

	logger.Audit().Info("轮次已发布",
		slog.Uint64("round", sealed.id),
		slog.String("reason", reason),
		slog.Int("accepted", report.Accepted),
		slog.Int("rejected", report.Rejected),
		slog.Int("peers", peers),
		slog.Int("iterations", result.Iterations),
		slog.Bool("relaxed", relaxed))
	return report.clone(), nil
}

func (s *Service) verify(ctx context.Context, round uint64, claims []proof.Claim) []proof.Outcome {
	if len(claims) == 0 {
		return nil
	}
	if s.proofs != nil {
		return s.proofs.VerifyAll(ctx, round, claims)
	}
	out := make([]proof.Outcome, len(claims))
	for i, c := range claims {
		out[i] = proof.Outcome{
			ClaimID:    c.ID,
			Peer:       c.Peer,
			Commitment: c.Commitment,
			State:      proof.StateRejected,
			Reason:     proof.ReasonProofInvalid,
			Detail:     "未配置证明后端",
		}
	}
	return out
}

// proveOwn 为本节点在信任图中的观点行生成证明。失败只影响本节点的贡献。
func (s *Service) proveOwn(ctx context.Context, round uint64, report *RoundReport) (attestation.Payload, bool) {
	if !s.cfg.ProveOwn || s.proofs == nil || s.cfg.Self == (trust.Peer{}) {
		return attestation.Payload{}, false
	}
	ops := slices.Collect(s.graph.OpinionsFrom(s.cfg.Self))
	if len(ops) == 0 {
		return attestation.Payload{}, false
	}
	att, err := s.proofs.ProveOwn(ctx, s.cfg.Self, round, ops)
	if err != nil {
		report.OwnError = err.Error()
		if xerrors.HasCode(err, proof.CodeCircuitError) {
			s.setHealth(&s.circuitError, err.Error())
			s.alert(ctx, "proof", round, err)
		}
		s.logger.Error("生成本地证明失败", slog.Uint64("round", round), slog.Any("error", err))
		return attestation.Payload{}, false
	}
	s.setHealth(&s.circuitError, "")
	c := att.Commitment
	report.OwnCommitment = &c
	return att.Payload(), true
}

// compute 在当前信任图上计算全局信任。未配置预信任时退化为均匀分布；
// 不收敛时以放宽参数重试一次。
func (s *Service) compute(log *slog.Logger) (eigentrust.Result, bool, int, error) {
	m := s.graph.Snapshot()
	peers := s.graph.Peers()
	pre := s.graph.Pretrusted()
	if len(pre) == 0 {
		pre = trust.UniformDistribution(peers)
	}
	if len(pre) == 0 {
		return eigentrust.Result{Vector: eigentrust.NewVector(nil), Converged: true}, false, 0, nil
	}
	result, err := eigentrust.Compute(m, pre, s.cfg.Params)
	if err == nil {
		return result, false, result.Vector.Len(), nil
	}
	if !xerrors.HasCode(err, eigentrust.CodeNonConvergence) {
		return result, false, len(peers), err
	}
	relaxed := s.cfg.Params.Relaxed()
	log.Warn("幂迭代未收敛，使用放宽参数重试",
		slog.Int("iterations", result.Iterations),
		slog.Float64("residual", result.Residual),
		slog.Float64("epsilon", relaxed.Epsilon))
	result, err = eigentrust.Compute(m, pre, relaxed)
	return result, true, result.Vector.Len(), err
}

func (s *Service) attestationEntry(round uint64, payload attestation.Payload, received time.Time) (storage.Entry, bool) {
	raw, err := attestation.EncodePayload(payload)
	if err != nil {
		s.logger.Warn("编码证明载荷失败", slog.String("peer", payload.Peer.Hex()), slog.Any("error", err))
		return storage.Entry{}, false
	}
	return storage.Entry{
		Kind:       storage.KindAttestation,
		Round:      round,
		Peer:       payload.Peer,
		Commitment: payload.Commitment,
		Payload:    raw,
		ReceivedAt: received,
	}, true
}

func (s *Service) saveSubmissions(ctx context.Context, entries []storage.Entry) {
	if s.journal == nil {
		return
	}
	for _, e := range entries {
		e.ID = newEntryID()
		if err := s.journal.SaveSubmission(ctx, e); err != nil {
			s.logger.Error("写入提交日志失败",
				slog.String("peer", e.Peer.Hex()),
				slog.Uint64("round", e.Round),
				slog.Any("error", err))
			s.alert(ctx, "storage", e.Round, err)
		}
	}
}

func (s *Service) saveRound(ctx context.Context, report RoundReport, snap *Snapshot) {
	if s.journal == nil {
		return
	}
	rec := storage.RoundRecord{
		Round:      report.Round,
		ClosedAt:   report.ClosedAt,
		Iterations: snap.Iterations,
		Residual:   snap.Residual,
		Converged:  snap.Converged,
		Accepted:   report.Accepted,
		Rejected:   report.Rejected,
		Scores:     snap.Scores,
	}
	if err := s.journal.SaveRound(ctx, rec); err != nil {
		s.logger.Error("写入轮次记录失败", slog.Uint64("round", report.Round), slog.Any("error", err))
		s.alert(ctx, "storage", report.Round, err)
	}
}

// anchorAll 在后台提交锚定。日志条目的上链标记由锚定器经 anchor.Store
// 在每次状态变化时同步，重组或失败会让条目重新进入 Pending。
func (s *Service) anchorAll(round uint64, items []anchorItem) {
	if s.anchorer == nil || len(items) == 0 {
		return
	}
	s.anchorsWG.Add(1)
	go func() {
		defer s.anchorsWG.Done()
		for _, item := range items {
			s.anchorOne(round, item)
		}
	}()
}

func (s *Service) anchorOne(round uint64, item anchorItem) {
	raw, err := attestation.EncodePayload(item.payload)
	if err != nil {
		s.logger.Warn("编码锚定载荷失败", slog.String("peer", item.peer.Hex()), slog.Any("error", err))
		return
	}
	rec, err := s.anchorer.Anchor(s.ctx, anchor.Request{
		Round:      round,
		Peer:       item.peer,
		Commitment: item.payload.Commitment,
		Payload:    raw,
	})
	if err != nil {
		s.setHealth(&s.chainError, err.Error())
		s.logger.Warn("提交锚定失败",
			slog.Uint64("round", round),
			slog.String("peer", item.peer.Hex()),
			slog.Any("error", err))
		return
	}
	s.logger.Debug("锚定已提交",
		slog.Uint64("round", round),
		slog.String("peer", item.peer.Hex()),
		slog.String("anchor_id", rec.ID),
		slog.String("status", string(rec.Status)))
}

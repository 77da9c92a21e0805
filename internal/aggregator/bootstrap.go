package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/storage"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// BootstrapResult 汇总启动恢复的结果。
type BootstrapResult struct {
	LastRound    uint64 `json:"last_round"`
	LedgerRows   int    `json:"ledger_rows"`
	ReplayedRows int    `json:"replayed_rows"`
	Skipped      int    `json:"skipped"`
	Published    bool   `json:"published"`
}

// Bootstrap 在接受提交前恢复信任图：先读取链上已锚定的载荷，
// 再按顺序重放日志中尚未锚定的条目（含预信任变更），最后发布日志中最近一轮的结果。
// 必须在 Run 与任何 Submit 之前调用。
func (s *Service) Bootstrap(ctx context.Context) (BootstrapResult, error) {
	var result BootstrapResult
	if s.journal == nil {
		return result, nil
	}
	s.computeMu.Lock()
	defer s.computeMu.Unlock()

	last, ok, err := s.journal.LastRound(ctx)
	if err != nil {
		return result, err
	}
	if ok {
		result.LastRound = last.Round
	}

	peers, err := s.journal.KnownPeers(ctx)
	if err != nil {
		return result, err
	}
	ledgerRound := make(map[trust.Peer]uint64, len(peers))
	if s.chain != nil {
		for _, peer := range peers {
			raw, err := s.chain.ReadAttestation(ctx, peer)
			if err != nil {
				if xerrors.HasCode(err, xerrors.CodeNotFound) {
					continue
				}
				return result, err
			}
			payload, err := s.codec.DecodePayload(raw)
			if err != nil {
				result.Skipped++
				s.logger.Warn("链上载荷无效，已跳过", slog.String("peer", peer.Hex()), slog.Any("error", err))
				continue
			}
			if payload.Peer != peer {
				result.Skipped++
				s.logger.Warn("链上载荷节点不一致，已跳过", slog.String("peer", peer.Hex()))
				continue
			}
			if err := s.graph.ReplaceRow(peer, payload.Opinions()); err != nil {
				result.Skipped++
				continue
			}
			ledgerRound[peer] = payload.Round
			result.LedgerRows++
			result.LastRound = max(result.LastRound, payload.Round)
		}
	}

	pending, err := s.journal.Pending(ctx)
	if err != nil {
		return result, err
	}
	for _, entry := range pending {
		if err := s.replay(entry, ledgerRound); err != nil {
			result.Skipped++
			s.logger.Warn("重放日志条目失败",
				slog.String("id", entry.ID),
				slog.String("kind", string(entry.Kind)),
				slog.Any("error", err))
			continue
		}
		result.ReplayedRows++
		result.LastRound = max(result.LastRound, entry.Round)
	}

	// 只发布日志中记录的轮次结果，重启后的重新计算不能冠以已发布的轮次号。
	if ok {
		s.snapshot.Store(&Snapshot{
			Round:      last.Round,
			Scores:     last.Scores,
			Iterations: last.Iterations,
			Residual:   last.Residual,
			Converged:  last.Converged,
			ComputedAt: last.ClosedAt.UTC(),
		})
		result.Published = true
	}

	s.mu.Lock()
	s.open = newRoundBuffer(result.LastRound+1, s.now())
	s.mu.Unlock()

	s.logger.Info("启动恢复完成",
		slog.Uint64("last_round", result.LastRound),
		slog.Int("ledger_rows", result.LedgerRows),
		slog.Int("replayed_rows", result.ReplayedRows),
		slog.Int("skipped", result.Skipped))
	return result, nil
}

func (s *Service) replay(entry storage.Entry, ledgerRound map[trust.Peer]uint64) error {
	switch entry.Kind {
	case storage.KindOpinion:
		var ops []trust.Opinion
		if err := json.Unmarshal(entry.Payload, &ops); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析观点日志失败")
		}
		for _, op := range ops {
			if err := s.graph.UpsertOpinion(entry.Peer, op.Target, op.Weight); err != nil {
				return err
			}
		}
		return nil
	case storage.KindAttestation:
		if r, ok := ledgerRound[entry.Peer]; ok && r >= entry.Round {
			return nil
		}
		payload, err := s.codec.DecodePayload(entry.Payload)
		if err != nil {
			return err
		}
		return s.graph.ReplaceRow(payload.Peer, payload.Opinions())
	case storage.KindPretrust:
		var dist trust.Distribution
		if err := json.Unmarshal(entry.Payload, &dist); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析预信任日志失败")
		}
		return s.graph.SetPretrusted(dist)
	default:
		return xerrors.Newf(xerrors.CodeStorageFailure, "未知日志类型 %q", entry.Kind)
	}
}

func sortedKeys[V any](m map[trust.Peer]V) []trust.Peer {
	keys := make([]trust.Peer, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, trust.ComparePeers)
	return keys
}

func newEntryID() string { return uuid.NewString() }

package aggregator

import (
	"time"

	"github.com/brech1/eigentrust-protocol/internal/anchor"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
	"github.com/brech1/eigentrust-protocol/internal/eigentrust"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// Snapshot 是某一轮发布的不可变全局信任向量。
type Snapshot struct {
	Round      uint64            `json:"round"`
	Scores     eigentrust.Vector `json:"scores"`
	Iterations int               `json:"iterations"`
	Residual   float64           `json:"residual"`
	Converged  bool              `json:"converged"`
	Relaxed    bool              `json:"relaxed,omitempty"`
	ComputedAt time.Time         `json:"computed_at"`
}

// PeerScore 是单个节点的查询结果。
type PeerScore struct {
	Peer  trust.Peer `json:"peer"`
	Score float64    `json:"score"`
	Round uint64     `json:"round"`
}

// RoundStatus 描述当前开放轮次。
type RoundStatus struct {
	Round          uint64    `json:"round"`
	OpenedAt       time.Time `json:"opened_at"`
	Submissions    int       `json:"submissions"`
	Submitters     int       `json:"submitters"`
	Quorum         int       `json:"quorum,omitempty"`
	PretrustStaged bool      `json:"pretrust_staged"`
	Published      uint64    `json:"published_round"`
}

// RoundReport 是一轮关闭后的摘要。
type RoundReport struct {
	Round           uint64                  `json:"round"`
	Reason          string                  `json:"reason"`
	OpenedAt        time.Time               `json:"opened_at"`
	ClosedAt        time.Time               `json:"closed_at"`
	Duration        time.Duration           `json:"duration"`
	Submissions     int                     `json:"submissions"`
	OpinionRows     int                     `json:"opinion_rows"`
	Attestations    int                     `json:"attestations"`
	Accepted        int                     `json:"accepted"`
	Rejected        int                     `json:"rejected"`
	Outcomes        []proof.Outcome         `json:"outcomes,omitempty"`
	PretrustApplied bool                    `json:"pretrust_applied,omitempty"`
	OwnCommitment   *attestation.Commitment `json:"own_commitment,omitempty"`
	OwnError        string                  `json:"own_error,omitempty"`
	Published       bool                    `json:"published"`
	Peers           int                     `json:"peers"`
	Iterations      int                     `json:"iterations"`
	Residual        float64                 `json:"residual"`
	Converged       bool                    `json:"converged"`
	Relaxed         bool                    `json:"relaxed,omitempty"`
	Error           string                  `json:"error,omitempty"`
	Anchors         []anchor.Record         `json:"anchors,omitempty"`
}

// Rejections 返回被拒绝的提交。
func (r RoundReport) Rejections() []proof.Outcome {
	var out []proof.Outcome
	for _, o := range r.Outcomes {
		if !o.Accepted() {
			out = append(out, o)
		}
	}
	return out
}

func (r RoundReport) clone() RoundReport {
	r.Outcomes = append([]proof.Outcome(nil), r.Outcomes...)
	r.Anchors = append([]anchor.Record(nil), r.Anchors...)
	if r.OwnCommitment != nil {
		c := *r.OwnCommitment
		r.OwnCommitment = &c
	}
	return r
}

// Health 汇总服务健康状态。
type Health struct {
	Status         string       `json:"status"`
	Round          uint64       `json:"round"`
	Published      uint64       `json:"published_round"`
	ProofBackend   string       `json:"proof_backend,omitempty"`
	Anchoring      bool         `json:"anchoring"`
	Anchors        anchor.Stats `json:"anchors"`
	LastRoundError string       `json:"last_round_error,omitempty"`
	CircuitError   string       `json:"circuit_error,omitempty"`
	ChainError     string       `json:"chain_error,omitempty"`
	CheckedAt      time.Time    `json:"checked_at"`
}

// 健康状态取值。
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

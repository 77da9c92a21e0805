package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/brech1/eigentrust-protocol/internal/anchor"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
	"github.com/brech1/eigentrust-protocol/internal/eigentrust"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// Kind 区分日志中的提交类型。
type Kind string

const (
	KindOpinion     Kind = "opinion"
	KindAttestation Kind = "attestation"
	// KindPretrust 记录轮次关闭时生效的预信任分布，Payload 为 JSON 编码的分布。
	KindPretrust Kind = "pretrust"
)

// Entry 是一次已通过校验的提交，Payload 保存原始信封字节以便重放。
type Entry struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	Round      uint64                 `json:"round"`
	Peer       trust.Peer             `json:"peer"`
	Commitment attestation.Commitment `json:"commitment"`
	Payload    hexutil.Bytes          `json:"payload"`
	Anchored   bool                   `json:"anchored"`
	TxHash     common.Hash            `json:"tx_hash"`
	ReceivedAt time.Time              `json:"received_at"`
}

// RoundRecord 汇总一次已关闭的轮次。
type RoundRecord struct {
	Round      uint64            `json:"round"`
	ClosedAt   time.Time         `json:"closed_at"`
	Iterations int               `json:"iterations"`
	Residual   float64           `json:"residual"`
	Converged  bool              `json:"converged"`
	Accepted   int               `json:"accepted"`
	Rejected   int               `json:"rejected"`
	Scores     eigentrust.Vector `json:"scores"`
}

// Journal 抽象提交日志的持久化接口。
type Journal interface {
	SaveSubmission(ctx context.Context, entry Entry) error
	// Pending 按接收顺序返回尚未上链的提交。
	Pending(ctx context.Context) ([]Entry, error)
	// KnownPeers 返回提交过证明的节点，用于从账本重放。
	KnownPeers(ctx context.Context) ([]trust.Peer, error)
	// SaveAnchor 保存锚定记录的最新版本，并据其状态同步承诺匹配的提交：
	// Confirmed 标记为已上链，Pending 与 Failed 取消标记，使其重新进入 Pending。
	SaveAnchor(ctx context.Context, record anchor.Record) error
	SaveRound(ctx context.Context, record RoundRecord) error
	// LastRound 返回最近一次关闭的轮次，ok 为 false 表示尚无记录。
	LastRound(ctx context.Context) (record RoundRecord, ok bool, err error)
	Close() error
}

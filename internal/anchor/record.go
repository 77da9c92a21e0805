package anchor

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/brech1/eigentrust-protocol/internal/attestation"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

const (
	CodeAnchorTimeout xerrors.Code = "ANCHOR_TIMEOUT"
	CodeLedgerReorg   xerrors.Code = "LEDGER_REORG"
)

func init() {
	xerrors.Register(CodeAnchorTimeout, xerrors.Attributes{
		Message:    "anchor confirmation timed out",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 504,
	})
	xerrors.Register(CodeLedgerReorg, xerrors.Attributes{
		Message:    "anchored transaction reorganized out",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 409,
	})
}

// Status 表示锚定记录的确认状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Request 描述一次锚定请求。
type Request struct {
	Round      uint64
	Peer       trust.Peer
	Commitment attestation.Commitment
	Payload    []byte
}

// Record 是承诺、链上交易与确认状态的组合。
type Record struct {
	ID          string                 `json:"id"`
	Round       uint64                 `json:"round"`
	Peer        trust.Peer             `json:"peer"`
	Commitment  attestation.Commitment `json:"commitment"`
	Payload     hexutil.Bytes          `json:"payload,omitempty"`
	TxHash      common.Hash            `json:"tx_hash"`
	TxHistory   []common.Hash          `json:"tx_history,omitempty"`
	Status      Status                 `json:"status"`
	Attempts    int                    `json:"attempts"`
	Timeouts    int                    `json:"timeouts"`
	Reorgs      int                    `json:"reorgs"`
	BlockNumber uint64                 `json:"block_number,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	SubmittedAt time.Time              `json:"submitted_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func (r Record) clone() Record {
	r.Payload = append(hexutil.Bytes(nil), r.Payload...)
	r.TxHistory = append([]common.Hash(nil), r.TxHistory...)
	return r
}

// Filter 用于筛选记录，零值表示不过滤。
type Filter struct {
	Round  uint64
	Status Status
	Peer   trust.Peer
}

func (f Filter) match(r Record) bool {
	if f.Round != 0 && r.Round != f.Round {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Peer != (trust.Peer{}) && r.Peer != f.Peer {
		return false
	}
	return true
}

// Stats 汇总各状态的记录数。
type Stats struct {
	Pending   int `json:"pending"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Reorgs    int `json:"reorgs"`
}

// Report 是需要上报给调用方的非致命事件。
type Report struct {
	Record Record
	Err    error
}

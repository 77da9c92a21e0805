package proof

import (
	"context"
	"time"

	"github.com/brech1/eigentrust-protocol/internal/attestation"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

const (
	CodeProofInvalid xerrors.Code = "PROOF_INVALID"
	CodeStaleRound   xerrors.Code = "STALE_ROUND"
	CodeCircuitError xerrors.Code = "CIRCUIT_ERROR"
)

func init() {
	xerrors.Register(CodeProofInvalid, xerrors.Attributes{
		Message:    "proof invalid",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 422,
	})
	xerrors.Register(CodeStaleRound, xerrors.Attributes{
		Message:    "stale round",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeCircuitError, xerrors.Attributes{
		Message:    "circuit error",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: 500,
	})
}

var (
	// ErrProofInvalid 表示证明未通过验证。
	ErrProofInvalid = xerrors.New(CodeProofInvalid, "proof invalid")
	// ErrStaleRound 表示证明针对的轮次已过期。
	ErrStaleRound = xerrors.New(CodeStaleRound, "stale round")
	// ErrCircuit 表示本地证明生成失败。
	ErrCircuit = xerrors.New(CodeCircuitError, "circuit error")
)

// PublicInputs 是证明绑定的公开输入。
type PublicInputs struct {
	Peer       trust.Peer             `json:"peer"`
	Round      uint64                 `json:"round"`
	Commitment attestation.Commitment `json:"commitment"`
}

// Witness 是证明生成所需的私有输入。
type Witness struct {
	Statement attestation.Statement
}

// Backend 是外部证明系统。Verify 返回 false 是正常结果，不是错误。
type Backend interface {
	Prove(ctx context.Context, public PublicInputs, witness Witness) ([]byte, error)
	Verify(ctx context.Context, public PublicInputs, proof []byte) (bool, error)
	Name() string
}

// Proof 是不透明的证明字节及其生成时的公开输入。
type Proof struct {
	Data   []byte       `json:"data"`
	Public PublicInputs `json:"public"`
}

// Attestation 是本节点已证明的贡献。
type Attestation struct {
	Statement  attestation.Statement  `json:"-"`
	Commitment attestation.Commitment `json:"commitment"`
	Proof      Proof                  `json:"proof"`
}

// Payload 返回用于链上锚定的载荷。
func (a Attestation) Payload() attestation.Payload {
	return attestation.NewPayload(a.Statement, a.Proof.Data)
}

// Claim 是远端节点提交的 (承诺, 证明) 对及其观点。
type Claim struct {
	ID         string                 `json:"id"`
	Peer       trust.Peer             `json:"peer"`
	Round      uint64                 `json:"round"`
	Commitment attestation.Commitment `json:"commitment"`
	Opinions   []trust.Opinion        `json:"opinions"`
	Proof      Proof                  `json:"proof"`
}

// State 是单个提交的验证状态。
type State string

const (
	StateReceived  State = "received"
	StateVerifying State = "verifying"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
)

// Reason 是拒绝原因。
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonProofInvalid        Reason = "ProofInvalid"
	ReasonStaleRound          Reason = "StaleRound"
	ReasonMalformedCommitment Reason = "MalformedCommitment"
)

// Outcome 是单个提交的最终判定。
type Outcome struct {
	ClaimID    string                 `json:"claim_id"`
	Peer       trust.Peer             `json:"peer"`
	Commitment attestation.Commitment `json:"commitment"`
	State      State                  `json:"state"`
	Reason     Reason                 `json:"reason,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	Cached     bool                   `json:"cached,omitempty"`
	Duration   time.Duration          `json:"duration"`
}

// Accepted 判断是否通过验证。
func (o Outcome) Accepted() bool { return o.State == StateAccepted }

// Err 将拒绝原因转换为统一错误。
func (o Outcome) Err() error {
	switch o.Reason {
	case ReasonNone:
		return nil
	case ReasonStaleRound:
		return xerrors.New(CodeStaleRound, o.Detail)
	case ReasonMalformedCommitment:
		return xerrors.New(attestation.CodeMalformedCommitment, o.Detail)
	default:
		return xerrors.New(CodeProofInvalid, o.Detail)
	}
}

package aggregator

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/brech1/eigentrust-protocol/internal/attestation"
	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

const (
	// CodeMalformedSubmission 表示信封结构非法。
	CodeMalformedSubmission xerrors.Code = "MALFORMED_SUBMISSION"
	// CodeStaleSubmission 表示信封时间戳早于同一节点已接受的同类信封，或超出允许的时钟偏差。
	CodeStaleSubmission xerrors.Code = "STALE_SUBMISSION"
)

func init() {
	xerrors.Register(CodeMalformedSubmission, xerrors.Attributes{
		Message:    "malformed submission",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeStaleSubmission, xerrors.Attributes{
		Message:    "stale submission",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
}

// signingDomain 防止签名在其它协议中被重放。
const signingDomain = "eigentrust.envelope.v1"

// DefaultMaxOpinions 是单个观点提交允许的最大条目数。
const DefaultMaxOpinions = 1024

// Kind 是信封类型。
type Kind string

const (
	KindOpinion     Kind = "opinion"
	KindAttestation Kind = "attestation"
	KindPretrust    Kind = "pretrust"
	KindClose       Kind = "close"
)

// OpinionEntry 是信封中的一条观点。
type OpinionEntry struct {
	Target trust.Peer `json:"target"`
	Weight float64    `json:"weight"`
}

// WeightEntry 是预信任更新中的一项。
type WeightEntry struct {
	Peer   trust.Peer `json:"peer"`
	Weight float64    `json:"weight"`
}

// Envelope 是网络上传输的签名信封。
type Envelope struct {
	Kind       Kind                    `json:"kind"`
	Peer       trust.Peer              `json:"peer"`
	Round      uint64                  `json:"round,omitempty"`
	Opinions   []OpinionEntry          `json:"opinions,omitempty"`
	Commitment *attestation.Commitment `json:"commitment,omitempty"`
	Proof      hexutil.Bytes           `json:"proof,omitempty"`
	Weights    []WeightEntry           `json:"weights,omitempty"`
	Timestamp  int64                   `json:"timestamp"`
	Signature  hexutil.Bytes           `json:"signature,omitempty"`
}

type signingPayload struct {
	Domain     string
	Kind       string
	Peer       common.Address
	Round      uint64
	Targets    []common.Address
	Weights    []uint64
	Commitment common.Hash
	ProofHash  common.Hash
	Timestamp  uint64
}

// SigningDigest 返回信封（不含签名）的 keccak256 摘要。
func (e Envelope) SigningDigest() (common.Hash, error) {
	if e.Timestamp < 0 {
		return common.Hash{}, xerrors.New(CodeMalformedSubmission, "timestamp 不能为负数")
	}
	payload := signingPayload{
		Domain:    signingDomain,
		Kind:      string(e.Kind),
		Peer:      e.Peer,
		Round:     e.Round,
		Timestamp: uint64(e.Timestamp),
	}
	for _, op := range e.Opinions {
		payload.Targets = append(payload.Targets, op.Target)
		payload.Weights = append(payload.Weights, math.Float64bits(op.Weight))
	}
	for _, w := range e.Weights {
		payload.Targets = append(payload.Targets, w.Peer)
		payload.Weights = append(payload.Weights, math.Float64bits(w.Weight))
	}
	if e.Commitment != nil {
		payload.Commitment = common.Hash(*e.Commitment)
	}
	if len(e.Proof) > 0 {
		payload.ProofHash = crypto.Keccak256Hash(e.Proof)
	}
	encoded, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(CodeMalformedSubmission, err, "编码签名载荷失败")
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Sign 使用私钥签名信封，并将 Peer 设置为签名者地址。
func (e *Envelope) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "签名私钥不能为空")
	}
	e.Peer = crypto.PubkeyToAddress(key.PublicKey)
	digest, err := e.SigningDigest()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名信封失败")
	}
	e.Signature = sig
	return nil
}

// Signer 从签名中恢复签名者地址。
func (e Envelope) Signer() (trust.Peer, error) {
	if len(e.Signature) != crypto.SignatureLength {
		return trust.Peer{}, xerrors.New(xerrors.CodeUnauthorized, "缺少有效签名")
	}
	digest, err := e.SigningDigest()
	if err != nil {
		return trust.Peer{}, err
	}
	sig := append([]byte(nil), e.Signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return trust.Peer{}, xerrors.Wrap(xerrors.CodeUnauthorized, err, "恢复签名者失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature 确认签名者就是信封声明的节点。
func (e Envelope) VerifySignature() error {
	signer, err := e.Signer()
	if err != nil {
		return err
	}
	if signer != e.Peer {
		return xerrors.Newf(xerrors.CodeUnauthorized, "签名者 %s 与提交节点 %s 不一致", signer.Hex(), e.Peer.Hex())
	}
	return nil
}

// DecodeEnvelope 解析 JSON 信封，拒绝未知字段。
func DecodeEnvelope(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, xerrors.Wrap(CodeMalformedSubmission, err, "解析提交信封失败")
	}
	if dec.More() {
		return Envelope{}, xerrors.New(CodeMalformedSubmission, "信封后存在多余数据")
	}
	if env.Peer == (trust.Peer{}) {
		return Envelope{}, xerrors.New(CodeMalformedSubmission, "peer 不能为空")
	}
	return env, nil
}

// Decode 解析信封并转换为提交，requireSignature 为 true 时校验签名。
// 内容校验先于签名校验。
func Decode(raw []byte, requireSignature bool) (Submission, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	sub, err := env.Submission()
	if err != nil {
		return nil, err
	}
	if requireSignature {
		if err := env.requireTimestamp(); err != nil {
			return nil, err
		}
		if err := env.VerifySignature(); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// requireTimestamp 签名信封必须携带时间戳，否则无法识别重放。
func (e Envelope) requireTimestamp() error {
	if e.Timestamp <= 0 {
		return xerrors.Newf(CodeMalformedSubmission, "签名的 %s 信封缺少 timestamp", e.Kind)
	}
	return nil
}

// Submission 是进入轮次的提交，只有 OpinionSubmission 与 AttestationSubmission 两种。
type Submission interface {
	Kind() Kind
	From() trust.Peer
	isSubmission()
}

// OpinionSubmission 是未经证明的观点行。Timestamp 为信封的签名时间，零值表示进程内构造。
type OpinionSubmission struct {
	ID        string
	Peer      trust.Peer
	Round     uint64
	Opinions  []trust.Opinion
	Timestamp int64
}

func (OpinionSubmission) Kind() Kind         { return KindOpinion }
func (s OpinionSubmission) From() trust.Peer { return s.Peer }
func (OpinionSubmission) isSubmission()      {}

// AttestationSubmission 是带承诺与证明的观点行。
type AttestationSubmission struct {
	ID        string
	Claim     proof.Claim
	Timestamp int64
}

func (AttestationSubmission) Kind() Kind         { return KindAttestation }
func (s AttestationSubmission) From() trust.Peer { return s.Claim.Peer }
func (AttestationSubmission) isSubmission()      {}

// PretrustUpdate 是管理员发起的预信任分布变更，在下一次计算时生效。
type PretrustUpdate struct {
	Actor     trust.Peer
	Weights   trust.Distribution
	Timestamp int64
}

// CloseRequest 是管理员发起的关闭轮次请求。
type CloseRequest struct {
	Actor     trust.Peer
	Round     uint64
	Timestamp int64
}

// Submission 将观点或证明信封转换为提交。
func (e Envelope) Submission() (Submission, error) {
	if e.Timestamp < 0 {
		return nil, xerrors.New(CodeMalformedSubmission, "timestamp 不能为负数")
	}
	switch e.Kind {
	case KindOpinion:
		ops, err := e.opinions(DefaultMaxOpinions)
		if err != nil {
			return nil, err
		}
		return OpinionSubmission{Peer: e.Peer, Round: e.Round, Opinions: ops, Timestamp: e.Timestamp}, nil
	case KindAttestation:
		if e.Commitment == nil || e.Commitment.IsZero() {
			return nil, xerrors.New(CodeMalformedSubmission, "证明提交缺少 commitment")
		}
		if len(e.Proof) == 0 {
			return nil, xerrors.New(CodeMalformedSubmission, "证明提交缺少 proof")
		}
		if e.Round == 0 {
			return nil, xerrors.New(CodeMalformedSubmission, "证明提交必须声明 round")
		}
		ops, err := e.opinions(DefaultMaxOpinions)
		if err != nil {
			return nil, err
		}
		public := proof.PublicInputs{Peer: e.Peer, Round: e.Round, Commitment: *e.Commitment}
		return AttestationSubmission{Timestamp: e.Timestamp, Claim: proof.Claim{
			Peer:       e.Peer,
			Round:      e.Round,
			Commitment: *e.Commitment,
			Opinions:   ops,
			Proof:      proof.Proof{Data: append([]byte(nil), e.Proof...), Public: public},
		}}, nil
	default:
		return nil, xerrors.Newf(CodeMalformedSubmission, "不支持的提交类型 %q", e.Kind)
	}
}

// PretrustUpdate 将信封转换为预信任更新，签名总是必需的。
func (e Envelope) PretrustUpdate() (PretrustUpdate, error) {
	if e.Kind != KindPretrust {
		return PretrustUpdate{}, xerrors.Newf(CodeMalformedSubmission, "信封类型 %q 不是 pretrust", e.Kind)
	}
	dist := make(trust.Distribution, len(e.Weights))
	for _, w := range e.Weights {
		if w.Peer == (trust.Peer{}) {
			return PretrustUpdate{}, xerrors.New(CodeMalformedSubmission, "预信任节点不能为零地址")
		}
		if _, dup := dist[w.Peer]; dup {
			return PretrustUpdate{}, xerrors.Newf(CodeMalformedSubmission, "重复的预信任节点 %s", w.Peer.Hex())
		}
		dist[w.Peer] = w.Weight
	}
	if err := dist.Validate(); err != nil {
		return PretrustUpdate{}, err
	}
	if err := e.requireTimestamp(); err != nil {
		return PretrustUpdate{}, err
	}
	if err := e.VerifySignature(); err != nil {
		return PretrustUpdate{}, err
	}
	return PretrustUpdate{Actor: e.Peer, Weights: dist, Timestamp: e.Timestamp}, nil
}

// CloseRequest 将信封转换为关闭轮次请求，签名总是必需的。
func (e Envelope) CloseRequest() (CloseRequest, error) {
	if e.Kind != KindClose {
		return CloseRequest{}, xerrors.Newf(CodeMalformedSubmission, "信封类型 %q 不是 close", e.Kind)
	}
	if err := e.requireTimestamp(); err != nil {
		return CloseRequest{}, err
	}
	if err := e.VerifySignature(); err != nil {
		return CloseRequest{}, err
	}
	return CloseRequest{Actor: e.Peer, Round: e.Round, Timestamp: e.Timestamp}, nil
}

func (e Envelope) opinions(limit int) ([]trust.Opinion, error) {
	if len(e.Opinions) > limit {
		return nil, xerrors.Newf(CodeMalformedSubmission, "观点数量 %d 超过上限 %d", len(e.Opinions), limit)
	}
	seen := make(map[trust.Peer]struct{}, len(e.Opinions))
	out := make([]trust.Opinion, 0, len(e.Opinions))
	for _, op := range e.Opinions {
		if op.Target == (trust.Peer{}) {
			return nil, xerrors.New(CodeMalformedSubmission, "观点目标不能为零地址")
		}
		if _, dup := seen[op.Target]; dup {
			return nil, xerrors.Newf(CodeMalformedSubmission, "重复的观点目标 %s", op.Target.Hex())
		}
		seen[op.Target] = struct{}{}
		if err := trust.ValidateWeight(op.Weight); err != nil {
			return nil, err
		}
		out = append(out, trust.Opinion{Source: e.Peer, Target: op.Target, Weight: op.Weight})
	}
	return out, nil
}

// WithID 返回带有指定提交 ID 的副本，用于沿用传输层分配的 ID。
func WithID(sub Submission, id string) Submission {
	switch v := sub.(type) {
	case OpinionSubmission:
		v.ID = id
		return v
	case AttestationSubmission:
		v.ID = id
		v.Claim.ID = id
		return v
	default:
		return sub
	}
}

func submissionTimestamp(sub Submission) int64 {
	switch v := sub.(type) {
	case OpinionSubmission:
		return v.Timestamp
	case AttestationSubmission:
		return v.Timestamp
	default:
		return 0
	}
}

func submissionID(sub Submission) string {
	switch v := sub.(type) {
	case OpinionSubmission:
		return v.ID
	case AttestationSubmission:
		return v.ID
	default:
		return ""
	}
}

func validateSubmission(sub Submission) error {
	switch s := sub.(type) {
	case OpinionSubmission:
		if s.Peer == (trust.Peer{}) {
			return xerrors.New(CodeMalformedSubmission, "peer 不能为空")
		}
		return validateRow(s.Peer, s.Opinions)
	case AttestationSubmission:
		if s.Claim.Peer == (trust.Peer{}) || s.Claim.Commitment.IsZero() || len(s.Claim.Proof.Data) == 0 {
			return xerrors.New(CodeMalformedSubmission, "证明提交缺少必要字段")
		}
		return validateRow(s.Claim.Peer, s.Claim.Opinions)
	case nil:
		return xerrors.New(CodeMalformedSubmission, "提交不能为空")
	default:
		return xerrors.Newf(CodeMalformedSubmission, "不支持的提交类型 %T", sub)
	}
}

func validateRow(peer trust.Peer, ops []trust.Opinion) error {
	seen := make(map[trust.Peer]struct{}, len(ops))
	for _, op := range ops {
		if op.Source != peer {
			return xerrors.Newf(CodeMalformedSubmission, "观点来源 %s 与提交节点 %s 不一致", op.Source.Hex(), peer.Hex())
		}
		if op.Target == (trust.Peer{}) {
			return xerrors.New(CodeMalformedSubmission, "观点目标不能为零地址")
		}
		if _, dup := seen[op.Target]; dup {
			return xerrors.Newf(CodeMalformedSubmission, "重复的观点目标 %s", op.Target.Hex())
		}
		seen[op.Target] = struct{}{}
		if err := trust.ValidateWeight(op.Weight); err != nil {
			return err
		}
	}
	return nil
}

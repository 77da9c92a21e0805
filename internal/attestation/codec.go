package attestation

import (
	"math"
	"math/big"
	"slices"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

const (
	// DefaultCapacity 是单个承诺可容纳的观点数。
	DefaultCapacity = 16
	// WeightScale 是权重定点量化的倍数。
	WeightScale = 1_000_000_000
)

// CodeMalformedCommitment 表示观点无法规范化为承诺。
const CodeMalformedCommitment xerrors.Code = "MALFORMED_COMMITMENT"

func init() {
	xerrors.Register(CodeMalformedCommitment, xerrors.Attributes{
		Message:    "malformed commitment",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
}

// Commitment 是 MiMC 摘要，创建后不可变。
type Commitment [32]byte

// Hex 返回 0x 前缀的十六进制表示。
func (c Commitment) Hex() string { return hexutil.Encode(c[:]) }

// String 实现 fmt.Stringer。
func (c Commitment) String() string { return c.Hex() }

// IsZero 判断是否为空承诺。
func (c Commitment) IsZero() bool { return c == Commitment{} }

// Big 返回承诺对应的域元素整数值。
func (c Commitment) Big() *big.Int { return new(big.Int).SetBytes(c[:]) }

// MarshalText 实现 encoding.TextMarshaler。
func (c Commitment) MarshalText() ([]byte, error) {
	return hexutil.Bytes(c[:]).MarshalText()
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (c *Commitment) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Commitment", input, c[:])
}

// Entry 是量化后的单条观点。
type Entry struct {
	Target common.Address
	Weight uint64
}

// Statement 是承诺的规范输入：按 target 排序并补齐到容量。
type Statement struct {
	Peer    trust.Peer
	Round   uint64
	Entries []Entry
	// Size 是补齐前的真实条目数。
	Size int
}

// Opinions 返回反量化后的真实观点。
func (s Statement) Opinions() []trust.Opinion {
	out := make([]trust.Opinion, 0, s.Size)
	for _, e := range s.Entries[:s.Size] {
		out = append(out, trust.Opinion{Source: s.Peer, Target: e.Target, Weight: Dequantize(e.Weight)})
	}
	return out
}

// FieldElements 返回参与哈希的域元素序列：peer, round, (target, weight)*。
func (s Statement) FieldElements() []fr.Element {
	out := make([]fr.Element, 0, 2+2*len(s.Entries))
	out = append(out, addressElement(s.Peer), uintElement(s.Round))
	for _, e := range s.Entries {
		out = append(out, addressElement(e.Target), uintElement(e.Weight))
	}
	return out
}

// Commitment 计算语句的 MiMC 摘要。
func (s Statement) Commitment() Commitment {
	h := mimc.NewMiMC()
	for _, el := range s.FieldElements() {
		b := el.Bytes()
		// 规范编码的域元素总是小于模数，写入不会失败。
		_, _ = h.Write(b[:])
	}
	var c Commitment
	copy(c[:], h.Sum(nil))
	return c
}

// Codec 负责规范化与承诺计算，无内部状态。
type Codec struct {
	Capacity int
}

// New 创建指定容量的编解码器。
func New(capacity int) Codec {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return Codec{Capacity: capacity}
}

func (c Codec) capacity() int {
	if c.Capacity <= 0 {
		return DefaultCapacity
	}
	return c.Capacity
}

// Statement 将观点规范化为语句。
func (c Codec) Statement(peer trust.Peer, round uint64, opinions []trust.Opinion) (Statement, error) {
	capacity := c.capacity()
	if len(opinions) > capacity {
		return Statement{}, xerrors.Newf(CodeMalformedCommitment, "观点数量 %d 超过容量 %d", len(opinions), capacity)
	}
	seen := make(map[trust.Peer]struct{}, len(opinions))
	entries := make([]Entry, 0, capacity)
	for _, op := range opinions {
		if op.Source != peer {
			return Statement{}, xerrors.Newf(CodeMalformedCommitment, "观点来源 %s 与承诺节点 %s 不一致", op.Source.Hex(), peer.Hex())
		}
		if op.Target == (common.Address{}) {
			return Statement{}, xerrors.New(CodeMalformedCommitment, "观点目标不能为零地址")
		}
		if _, dup := seen[op.Target]; dup {
			return Statement{}, xerrors.Newf(CodeMalformedCommitment, "重复的观点目标 %s", op.Target.Hex())
		}
		seen[op.Target] = struct{}{}
		if err := trust.ValidateWeight(op.Weight); err != nil {
			return Statement{}, xerrors.Wrap(CodeMalformedCommitment, err, "观点权重非法")
		}
		entries = append(entries, Entry{Target: op.Target, Weight: Quantize(op.Weight)})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return trust.ComparePeers(a.Target, b.Target) })
	size := len(entries)
	for len(entries) < capacity {
		entries = append(entries, Entry{})
	}
	return Statement{Peer: peer, Round: round, Entries: entries, Size: size}, nil
}

// Commit 是纯函数：相同输入总是得到相同承诺。
func (c Codec) Commit(peer trust.Peer, round uint64, opinions []trust.Opinion) (Commitment, error) {
	st, err := c.Statement(peer, round, opinions)
	if err != nil {
		return Commitment{}, err
	}
	return st.Commitment(), nil
}

// Quantize 将 [0,1] 权重转换为定点整数。
func Quantize(w float64) uint64 {
	return uint64(math.Round(w * WeightScale))
}

// Dequantize 将定点整数还原为权重。
func Dequantize(q uint64) float64 {
	return float64(q) / WeightScale
}

func addressElement(a common.Address) fr.Element {
	var e fr.Element
	e.SetBigInt(new(big.Int).SetBytes(a[:]))
	return e
}

func uintElement(v uint64) fr.Element {
	var e fr.Element
	e.SetUint64(v)
	return e
}

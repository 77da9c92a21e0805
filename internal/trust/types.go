package trust

import (
	"bytes"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
)

// Peer 是由公钥派生的地址，创建后不可变。
type Peer = common.Address

// Epsilon 是分布与行归一化的数值容差。
const Epsilon = 1e-9

const (
	CodeInvalidWeight       xerrors.Code = "INVALID_WEIGHT"
	CodeInvalidDistribution xerrors.Code = "INVALID_DISTRIBUTION"
)

func init() {
	xerrors.Register(CodeInvalidWeight, xerrors.Attributes{
		Message:    "opinion weight must be within [0, 1]",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeInvalidDistribution, xerrors.Attributes{
		Message:    "pre-trusted weights must be non-negative and sum to 1",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
}

// Opinion 表示 source 对 target 的本地信任权重。
type Opinion struct {
	Source Peer    `json:"source"`
	Target Peer    `json:"target"`
	Weight float64 `json:"weight"`
}

// ValidateWeight 校验单个权重是否位于 [0,1]。
func ValidateWeight(weight float64) error {
	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight < 0 || weight > 1 {
		return xerrors.Newf(CodeInvalidWeight, "权重 %v 超出 [0,1] 范围", weight)
	}
	return nil
}

// Distribution 是节点到权重的映射，权重之和为 1。
type Distribution map[Peer]float64

// Validate 检查分布非空、无负值且总和为 1。
func (d Distribution) Validate() error {
	if len(d) == 0 {
		return xerrors.New(CodeInvalidDistribution, "预信任分布为空")
	}
	sum := 0.0
	for peer, w := range d {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return xerrors.Newf(CodeInvalidDistribution, "节点 %s 的预信任权重 %v 非法", peer.Hex(), w)
		}
		sum += w
	}
	if math.Abs(sum-1) > Epsilon*float64(len(d)+1) {
		return xerrors.Newf(CodeInvalidDistribution, "预信任权重之和为 %v", sum)
	}
	return nil
}

// Clone 返回分布的副本。
func (d Distribution) Clone() Distribution {
	if d == nil {
		return nil
	}
	out := make(Distribution, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Peers 按地址升序返回分布中的节点。
func (d Distribution) Peers() []Peer {
	out := make([]Peer, 0, len(d))
	for p := range d {
		out = append(out, p)
	}
	SortPeers(out)
	return out
}

// UniformDistribution 为给定节点构造均匀分布，未配置预信任时作为回退。
func UniformDistribution(peers []Peer) Distribution {
	if len(peers) == 0 {
		return Distribution{}
	}
	uniq := make(map[Peer]struct{}, len(peers))
	for _, p := range peers {
		uniq[p] = struct{}{}
	}
	w := 1.0 / float64(len(uniq))
	out := make(Distribution, len(uniq))
	for p := range uniq {
		out[p] = w
	}
	return out
}

// SortPeers 按字节序原地排序。
func SortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return bytes.Compare(peers[i][:], peers[j][:]) < 0
	})
}

// ComparePeers 比较两个地址的字节序。
func ComparePeers(a, b Peer) int {
	return bytes.Compare(a[:], b[:])
}

// Matrix 是信任图在某一时刻的不可变快照。
type Matrix struct {
	peers []Peer
	rows  map[Peer][]Opinion
}

// NewMatrix 从观点集合构造快照，同一 (source,target) 以最后一条为准。
func NewMatrix(opinions []Opinion) Matrix {
	byRow := make(map[Peer]map[Peer]float64)
	for _, op := range opinions {
		row := byRow[op.Source]
		if row == nil {
			row = make(map[Peer]float64)
			byRow[op.Source] = row
		}
		row[op.Target] = op.Weight
	}
	return buildMatrix(byRow)
}

func buildMatrix(byRow map[Peer]map[Peer]float64) Matrix {
	seen := make(map[Peer]struct{})
	rows := make(map[Peer][]Opinion, len(byRow))
	for src, targets := range byRow {
		seen[src] = struct{}{}
		row := make([]Opinion, 0, len(targets))
		for dst, w := range targets {
			seen[dst] = struct{}{}
			row = append(row, Opinion{Source: src, Target: dst, Weight: w})
		}
		sort.Slice(row, func(i, j int) bool { return ComparePeers(row[i].Target, row[j].Target) < 0 })
		rows[src] = row
	}
	peers := make([]Peer, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	SortPeers(peers)
	return Matrix{peers: peers, rows: rows}
}

// Peers 返回矩阵中出现的所有节点，按地址排序。
func (m Matrix) Peers() []Peer {
	return append([]Peer(nil), m.peers...)
}

// Row 返回 source 的出边副本，按 target 排序。
func (m Matrix) Row(source Peer) []Opinion {
	return append([]Opinion(nil), m.rows[source]...)
}

// Len 返回矩阵中的观点数量。
func (m Matrix) Len() int {
	n := 0
	for _, row := range m.rows {
		n += len(row)
	}
	return n
}

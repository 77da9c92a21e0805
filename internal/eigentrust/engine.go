package eigentrust

import (
	"math"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// CodeNonConvergence 表示迭代次数耗尽仍未收敛。
const CodeNonConvergence xerrors.Code = "NON_CONVERGENCE"

func init() {
	xerrors.Register(CodeNonConvergence, xerrors.Attributes{
		Message:   "power iteration did not converge",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Result 描述一次计算的输出。
type Result struct {
	Vector     Vector  `json:"vector"`
	Iterations int     `json:"iterations"`
	Residual   float64 `json:"residual"`
	Converged  bool    `json:"converged"`
}

type edge struct {
	to     int
	weight float64
}

// Compute 在矩阵快照上执行幂迭代 t' = α·Cᵀ·t + (1−α)·p。
//
// 未收敛时返回最后一次迭代结果（Converged=false）以及 NON_CONVERGENCE 错误。
func Compute(m trust.Matrix, p trust.Distribution, params Params) (Result, error) {
	if err := params.Validate(); err != nil {
		return Result{}, err
	}
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	peers := universe(m, p)
	n := len(peers)
	index := make(map[trust.Peer]int, n)
	for i, peer := range peers {
		index[peer] = i
	}

	pre := make([]float64, n)
	for peer, w := range p {
		pre[index[peer]] = w
	}

	rows, dangling := normalize(m, peers, index)

	current := append([]float64(nil), pre...)
	next := make([]float64, n)
	result := Result{}
	for k := 1; k <= params.MaxIterations; k++ {
		step(current, next, rows, dangling, pre, params.Alpha)
		residual := l1(next, current)
		current, next = next, current
		result.Iterations = k
		result.Residual = residual
		if residual < params.Epsilon {
			result.Converged = true
			break
		}
	}

	renormalize(current)
	entries := make([]Entry, n)
	for i, peer := range peers {
		entries[i] = Entry{Peer: peer, Score: current[i]}
	}
	result.Vector = newVector(entries)

	if !result.Converged {
		return result, xerrors.Newf(CodeNonConvergence, "迭代 %d 次后残差 %.3g 仍高于阈值 %.3g",
			result.Iterations, result.Residual, params.Epsilon)
	}
	return result, nil
}

func universe(m trust.Matrix, p trust.Distribution) []trust.Peer {
	seen := make(map[trust.Peer]struct{})
	var out []trust.Peer
	for _, peer := range m.Peers() {
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	for peer := range p {
		if _, ok := seen[peer]; !ok {
			out = append(out, peer)
		}
	}
	trust.SortPeers(out)
	return out
}

// normalize 将每行转换为行随机形式。自环被忽略；和为 0 的行视为悬挂行。
func normalize(m trust.Matrix, peers []trust.Peer, index map[trust.Peer]int) ([][]edge, []bool) {
	rows := make([][]edge, len(peers))
	dangling := make([]bool, len(peers))
	for i, source := range peers {
		sum := 0.0
		var row []edge
		for _, op := range m.Row(source) {
			if op.Target == source || op.Weight <= 0 {
				continue
			}
			sum += op.Weight
			row = append(row, edge{to: index[op.Target], weight: op.Weight})
		}
		if sum <= 0 {
			dangling[i] = true
			continue
		}
		for j := range row {
			row[j].weight /= sum
		}
		rows[i] = row
	}
	return rows, dangling
}

func step(current, next []float64, rows [][]edge, dangling []bool, pre []float64, alpha float64) {
	for j := range next {
		next[j] = 0
	}
	danglingMass := 0.0
	for i, mass := range current {
		if dangling[i] {
			danglingMass += mass
			continue
		}
		for _, e := range rows[i] {
			next[e.to] += mass * e.weight
		}
	}
	for j := range next {
		next[j] = alpha*(next[j]+danglingMass*pre[j]) + (1-alpha)*pre[j]
	}
}

func l1(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		d += math.Abs(a[i] - b[i])
	}
	return d
}

func renormalize(v []float64) {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum <= 0 {
		return
	}
	for i := range v {
		v[i] /= sum
	}
}

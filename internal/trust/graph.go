package trust

import (
	"iter"
	"sort"
	"sync"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
)

// Graph 保存本地信任观点与预信任分布。
type Graph struct {
	mu         sync.RWMutex
	rows       map[Peer]map[Peer]float64
	pretrusted Distribution
}

// NewGraph 创建空的信任图。
func NewGraph() *Graph {
	return &Graph{rows: make(map[Peer]map[Peer]float64)}
}

// UpsertOpinion 替换 source 对 target 的已有观点。
func (g *Graph) UpsertOpinion(source, target Peer, weight float64) error {
	if err := ValidateWeight(weight); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	row := g.rows[source]
	if row == nil {
		row = make(map[Peer]float64)
		g.rows[source] = row
	}
	row[target] = weight
	return nil
}

// ReplaceRow 用新的观点整体覆盖 source 的出边。任一权重非法时不修改状态。
func (g *Graph) ReplaceRow(source Peer, row []Opinion) error {
	next := make(map[Peer]float64, len(row))
	for _, op := range row {
		if op.Source != source {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "观点来源 %s 与行 %s 不一致", op.Source.Hex(), source.Hex())
		}
		if err := ValidateWeight(op.Weight); err != nil {
			return err
		}
		next[op.Target] = op.Weight
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(next) == 0 {
		delete(g.rows, source)
		return nil
	}
	g.rows[source] = next
	return nil
}

// OpinionsFrom 返回 source 当前行的惰性序列。序列基于调用时的副本，可重复遍历。
func (g *Graph) OpinionsFrom(source Peer) iter.Seq[Opinion] {
	g.mu.RLock()
	row := make([]Opinion, 0, len(g.rows[source]))
	for target, w := range g.rows[source] {
		row = append(row, Opinion{Source: source, Target: target, Weight: w})
	}
	g.mu.RUnlock()
	sort.Slice(row, func(i, j int) bool { return ComparePeers(row[i].Target, row[j].Target) < 0 })

	return func(yield func(Opinion) bool) {
		for _, op := range row {
			if !yield(op) {
				return
			}
		}
	}
}

// SetPretrusted 替换预信任分布。
func (g *Graph) SetPretrusted(d Distribution) error {
	if err := d.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.pretrusted = d.Clone()
	g.mu.Unlock()
	return nil
}

// Pretrusted 返回当前预信任分布的副本，未配置时为 nil。
func (g *Graph) Pretrusted() Distribution {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pretrusted.Clone()
}

// Peers 返回图中出现过的全部节点（含预信任节点），按地址排序。
func (g *Graph) Peers() []Peer {
	g.mu.RLock()
	seen := make(map[Peer]struct{})
	for src, row := range g.rows {
		seen[src] = struct{}{}
		for dst := range row {
			seen[dst] = struct{}{}
		}
	}
	for p := range g.pretrusted {
		seen[p] = struct{}{}
	}
	g.mu.RUnlock()

	out := make([]Peer, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	SortPeers(out)
	return out
}

// Snapshot 返回供计算使用的不可变矩阵。
func (g *Graph) Snapshot() Matrix {
	g.mu.RLock()
	defer g.mu.RUnlock()
	copyRows := make(map[Peer]map[Peer]float64, len(g.rows))
	for src, row := range g.rows {
		c := make(map[Peer]float64, len(row))
		for dst, w := range row {
			c[dst] = w
		}
		copyRows[src] = c
	}
	return buildMatrix(copyRows)
}

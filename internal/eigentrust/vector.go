package eigentrust

import (
	"encoding/json"

	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// Entry 是全局信任向量中的一项。
type Entry struct {
	Peer  trust.Peer `json:"peer"`
	Score float64    `json:"score"`
}

// Vector 是不可变的全局信任向量，条目按地址排序。
type Vector struct {
	entries []Entry
	index   map[trust.Peer]int
}

// NewVector 由条目构造向量，条目会被复制并按地址排序。
func NewVector(entries []Entry) Vector {
	peers := make([]trust.Peer, 0, len(entries))
	scores := make(map[trust.Peer]float64, len(entries))
	for _, e := range entries {
		if _, dup := scores[e.Peer]; !dup {
			peers = append(peers, e.Peer)
		}
		scores[e.Peer] = e.Score
	}
	trust.SortPeers(peers)
	out := make([]Entry, len(peers))
	for i, p := range peers {
		out[i] = Entry{Peer: p, Score: scores[p]}
	}
	return newVector(out)
}

func newVector(sorted []Entry) Vector {
	index := make(map[trust.Peer]int, len(sorted))
	for i, e := range sorted {
		index[e.Peer] = i
	}
	return Vector{entries: sorted, index: index}
}

// Score 返回节点的得分，未知节点返回 false。
func (v Vector) Score(peer trust.Peer) (float64, bool) {
	i, ok := v.index[peer]
	if !ok {
		return 0, false
	}
	return v.entries[i].Score, true
}

// Entries 返回条目副本。
func (v Vector) Entries() []Entry {
	return append([]Entry(nil), v.entries...)
}

// Len 返回节点数量。
func (v Vector) Len() int { return len(v.entries) }

// Sum 返回所有得分之和。
func (v Vector) Sum() float64 {
	s := 0.0
	for _, e := range v.entries {
		s += e.Score
	}
	return s
}

// MarshalJSON 以条目数组形式输出。
func (v Vector) MarshalJSON() ([]byte, error) {
	entries := v.entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON 从条目数组恢复向量。
func (v *Vector) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*v = NewVector(entries)
	return nil
}

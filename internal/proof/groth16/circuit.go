package groth16

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/brech1/eigentrust-protocol/internal/attestation"
)

// Circuit 证明节点知道一组观点，其 MiMC 承诺等于公开的 Commitment，
// 且每个量化权重不超过 WeightScale。
type Circuit struct {
	Peer       frontend.Variable `gnark:",public"`
	Round      frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"`

	Targets []frontend.Variable `gnark:",secret"`
	Weights []frontend.Variable `gnark:",secret"`
}

// NewCircuit 按容量分配私有输入，编译前必须确定长度。
func NewCircuit(capacity int) *Circuit {
	c := &Circuit{
		Targets: make([]frontend.Variable, capacity),
		Weights: make([]frontend.Variable, capacity),
	}
	for i := 0; i < capacity; i++ {
		c.Targets[i] = 0
		c.Weights[i] = 0
	}
	return c
}

// Define 定义电路约束。元素顺序与 attestation.Statement.FieldElements 一致。
func (c *Circuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.Peer, c.Round)
	for i := range c.Targets {
		api.AssertIsLessOrEqual(c.Weights[i], attestation.WeightScale)
		h.Write(c.Targets[i], c.Weights[i])
	}
	api.AssertIsEqual(h.Sum(), c.Commitment)
	return nil
}

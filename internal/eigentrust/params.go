package eigentrust

import (
	"math"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
)

// Params 控制幂迭代。
type Params struct {
	// Alpha 是观点传播相对预信任的权重。
	Alpha float64 `json:"alpha" mapstructure:"alpha"`
	// Epsilon 是相邻两次迭代 L1 距离的收敛阈值。
	Epsilon float64 `json:"epsilon" mapstructure:"epsilon"`
	// MaxIterations 是迭代次数上限。
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`
}

// DefaultParams 返回推荐参数。
func DefaultParams() Params {
	return Params{Alpha: 0.85, Epsilon: 1e-6, MaxIterations: 1000}
}

// Validate 检查参数范围。
func (p Params) Validate() error {
	if math.IsNaN(p.Alpha) || p.Alpha < 0 || p.Alpha > 1 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "alpha %v 必须位于 [0,1]", p.Alpha)
	}
	if math.IsNaN(p.Epsilon) || p.Epsilon <= 0 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "epsilon %v 必须大于 0", p.Epsilon)
	}
	if p.MaxIterations <= 0 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "max_iterations %d 必须大于 0", p.MaxIterations)
	}
	return nil
}

// Relaxed 返回放宽后的参数，用于不收敛后的重试。
func (p Params) Relaxed() Params {
	p.Epsilon *= 10
	p.MaxIterations *= 2
	return p
}

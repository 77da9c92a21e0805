package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// Query 是授权决策所评估的规则。
const Query = "data.eigentrust.authz.allow"

// 受控的管理操作。
const (
	ActionPretrustUpdate = "pretrust.update"
	ActionRoundClose     = "round.close"
)

// DefaultModule 只允许管理员执行管理操作，预信任更新不能为空。
const DefaultModule = `package eigentrust.authz

default allow = false

allow {
	input.action == "round.close"
	is_admin
}

allow {
	input.action == "pretrust.update"
	is_admin
	count(input.weights) > 0
}

is_admin {
	lower(input.admins[_]) == input.actor
}
`

var allowedBuiltins = map[string]struct{}{
	"assign":     {},
	"eq":         {},
	"equal":      {},
	"neq":        {},
	"gt":         {},
	"gte":        {},
	"lt":         {},
	"lte":        {},
	"count":      {},
	"sum":        {},
	"lower":      {},
	"upper":      {},
	"startswith": {},
	"endswith":   {},
	"contains":   {},
	"object.get": {},
}

// Decision 是一次待授权的操作。
type Decision struct {
	Actor   trust.Peer
	Action  string
	Round   uint64
	Weights trust.Distribution
}

// Authorizer 判断操作是否被允许。
type Authorizer interface {
	Allow(ctx context.Context, d Decision) (bool, error)
}

// Engine 基于 OPA 预编译查询实现 Authorizer。
type Engine struct {
	query  rego.PreparedEvalQuery
	admins []string
}

// Option 定义可选配置。
type Option func(*options)

type options struct {
	modulePath string
	admins     []string
}

// WithModulePath 从文件或目录加载策略，替代内置模块。
func WithModulePath(path string) Option {
	return func(o *options) { o.modulePath = strings.TrimSpace(path) }
}

// WithAdmins 配置管理员地址。
func WithAdmins(admins ...string) Option {
	return func(o *options) { o.admins = append(o.admins, admins...) }
}

// NewEngine 编译策略并准备查询。
func NewEngine(ctx context.Context, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	args := []func(*rego.Rego){
		rego.Query(Query),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
	}
	if o.modulePath != "" {
		args = append(args, rego.Load([]string{o.modulePath}, nil))
	} else {
		args = append(args, rego.Module("eigentrust_authz.rego", DefaultModule))
	}
	prepared, err := rego.New(args...).PrepareForEval(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "编译授权策略失败")
	}

	admins := make([]string, 0, len(o.admins))
	for _, admin := range o.admins {
		admin = strings.TrimSpace(admin)
		if admin == "" {
			continue
		}
		admins = append(admins, strings.ToLower(admin))
	}
	sort.Strings(admins)
	return &Engine{query: prepared, admins: admins}, nil
}

// Allow 评估决策，未定义结果视为拒绝。
func (e *Engine) Allow(ctx context.Context, d Decision) (bool, error) {
	if e == nil {
		return false, errors.New("policy engine is nil")
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(e.input(d)))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeUnavailable, err, "评估授权策略失败")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, xerrors.New(xerrors.CodeUnavailable, fmt.Sprintf("授权结果类型异常: %T", results[0].Expressions[0].Value))
	}
	return allowed, nil
}

func (e *Engine) input(d Decision) map[string]any {
	weights := make(map[string]any, len(d.Weights))
	for peer, w := range d.Weights {
		weights[strings.ToLower(peer.Hex())] = w
	}
	admins := make([]any, len(e.admins))
	for i, a := range e.admins {
		admins[i] = a
	}
	return map[string]any{
		"actor":   strings.ToLower(d.Actor.Hex()),
		"action":  d.Action,
		"round":   float64(d.Round),
		"weights": weights,
		"admins":  admins,
	}
}

// Authorize 在拒绝时返回 UNAUTHORIZED 错误。
func Authorize(ctx context.Context, a Authorizer, d Decision) error {
	if a == nil {
		return xerrors.New(xerrors.CodeUnauthorized, "未配置授权策略")
	}
	allowed, err := a.Allow(ctx, d)
	if err != nil {
		return err
	}
	if !allowed {
		return xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("%s 无权执行 %s", d.Actor.Hex(), d.Action))
	}
	return nil
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(allowedBuiltins))
	for _, builtin := range builtins {
		if _, ok := allowedBuiltins[builtin.Name]; ok {
			allowed = append(allowed, builtin)
		}
	}
	return allowed
}

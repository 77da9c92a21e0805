package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestDefaultModuleAllowsAdmins(t *testing.T) {
	engine, err := NewEngine(context.Background(), WithAdmins(admin.Hex()))
	require.NoError(t, err)

	weights := trust.Distribution{stranger: 1}
	ctx := context.Background()

	allowed, err := engine.Allow(ctx, Decision{Actor: admin, Action: ActionPretrustUpdate, Weights: weights})
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = engine.Allow(ctx, Decision{Actor: admin, Action: ActionRoundClose})
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = engine.Allow(ctx, Decision{Actor: stranger, Action: ActionPretrustUpdate, Weights: weights})
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = engine.Allow(ctx, Decision{Actor: admin, Action: ActionPretrustUpdate})
	require.NoError(t, err)
	require.False(t, allowed, "empty pre-trust updates are denied")

	allowed, err = engine.Allow(ctx, Decision{Actor: admin, Action: "graph.wipe"})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAuthorizeMapsDenialToUnauthorized(t *testing.T) {
	engine, err := NewEngine(context.Background())
	require.NoError(t, err)

	err = Authorize(context.Background(), engine, Decision{Actor: admin, Action: ActionRoundClose})
	require.True(t, xerrors.HasCode(err, xerrors.CodeUnauthorized))
	require.True(t, xerrors.HasCode(Authorize(context.Background(), nil, Decision{}), xerrors.CodeUnauthorized))
}

func TestModuleFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authz.rego")
	module := `package eigentrust.authz

default allow = false

allow {
	input.action == "round.close"
	input.round > 10
}
`
	require.NoError(t, os.WriteFile(path, []byte(module), 0o644))

	engine, err := NewEngine(context.Background(), WithModulePath(path))
	require.NoError(t, err)

	allowed, err := engine.Allow(context.Background(), Decision{Actor: stranger, Action: ActionRoundClose, Round: 11})
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = engine.Allow(context.Background(), Decision{Actor: stranger, Action: ActionRoundClose, Round: 3})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestForbiddenBuiltinRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authz.rego")
	module := `package eigentrust.authz

allow {
	http.send({"method": "get", "url": "http://example.invalid"})
}
`
	require.NoError(t, os.WriteFile(path, []byte(module), 0o644))

	_, err := NewEngine(context.Background(), WithModulePath(path))
	require.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

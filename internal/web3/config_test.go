package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  sepolia:
    type: evm
    rpc_url: https://rpc.sepolia.example
    ws_url: wss://ws.sepolia.example
    contract: "0x4200000000000000000000000000000000000021"
    tip_bump_percent: 15
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	chain, ok := defs.Chains["sepolia"]
	if !ok {
		t.Fatal("expected sepolia chain")
	}
	if chain.TipBump != 15 || chain.WSURL == "" {
		t.Fatalf("unexpected chain definition %+v", chain)
	}

	empty, err := LoadChainDefinitions("")
	if err != nil || len(empty.Chains) != 0 {
		t.Fatalf("expected empty definitions, got %+v %v", empty, err)
	}
}

func TestParseChainDefinitionsRequiresRPC(t *testing.T) {
	if _, err := ParseChainDefinitions([]byte("chains:\n  broken:\n    type: evm\n")); err == nil {
		t.Fatal("expected error for missing rpc_url")
	}
}

package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brech1/eigentrust-protocol/internal/config"
	"github.com/brech1/eigentrust-protocol/internal/web3"
	"github.com/brech1/eigentrust-protocol/internal/web3/ethereum"
)

// Factory 根据链定义构造客户端，测试时可替换。
type Factory func(ctx context.Context, name string, def web3.ChainDefinition, key *ecdsa.PrivateKey) (web3.Client, error)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// EVMFactory 使用 go-ethereum 客户端连接 EVM 链。
func EVMFactory(ctx context.Context, name string, def web3.ChainDefinition, key *ecdsa.PrivateKey) (web3.Client, error) {
	if !common.IsHexAddress(def.Contract) {
		return nil, fmt.Errorf("链 %s 的合约地址 %q 非法", name, def.Contract)
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:           name,
		RPCURL:         def.RPCURL,
		WSURL:          def.WSURL,
		Contract:       common.HexToAddress(def.Contract),
		Key:            key,
		GasLimit:       def.GasLimit,
		TipBumpPercent: def.TipBump,
		Notes:          def.Description,
	})
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, key *ecdsa.PrivateKey, factory Factory) (*Registry, error) {
	if factory == nil {
		factory = EVMFactory
	}
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{
			Type:     "evm",
			RPCURL:   cfg.RPCURL,
			WSURL:    cfg.WSURL,
			Contract: cfg.Contract,
			GasLimit: cfg.GasLimit,
			TipBump:  cfg.TipBumpPercent,
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	reg := &Registry{clients: make(map[string]web3.Client)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			reg.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := factory(ctx, name, chain, key)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		reg.clients[name] = client
	}

	if len(reg.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = reg.Chains()[0]
	}
	if _, ok := reg.clients[defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	reg.defaultChain = defaultChain
	return reg, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

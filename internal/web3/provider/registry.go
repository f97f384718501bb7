package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3/ethereum"
)

// Registry manages the chain clients keyed by human readable names. The
// lending core needs exactly two: the collateral chain and the issuance chain.
type Registry struct {
	clients map[string]web3.Client

	collateralChain string
	issuanceChain   string
}

// NewRegistry loads chain definitions and instantiates concrete clients. The
// relayer key is read from the environment variable named in the config, never
// from the config file itself.
func NewRegistry(ctx context.Context, cfg config.ChainsConfig) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.DefinitionsPath)
	if err != nil {
		return nil, err
	}

	relayerKey := os.Getenv(cfg.RelayerKeyEnv)

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:       name,
			RPCURL:     chain.RPCURL,
			ChainID:    chain.ChainID,
			RelayerKey: relayerKey,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if _, ok := clients[cfg.CollateralChain]; !ok {
		return nil, fmt.Errorf("担保链 %s 未在链配置中定义", cfg.CollateralChain)
	}
	if _, ok := clients[cfg.IssuanceChain]; !ok {
		return nil, fmt.Errorf("放款链 %s 未在链配置中定义", cfg.IssuanceChain)
	}

	return &Registry{
		clients:         clients,
		collateralChain: cfg.CollateralChain,
		issuanceChain:   cfg.IssuanceChain,
	}, nil
}

// CollateralClient returns the collateral chain client.
func (r *Registry) CollateralClient() (web3.Client, error) {
	return r.client(r.collateralChain)
}

// IssuanceClient returns the issuance chain client.
func (r *Registry) IssuanceClient() (web3.Client, error) {
	return r.client(r.issuanceChain)
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

func (r *Registry) client(name string) (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", name)
	}
	return client, nil
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

// Package provider builds one chain client per configured network and hands
// the right one to each request.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ChainPilot/internal/config"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/web3/solana"
)

// Factory constructs a chain client for one network.
type Factory func(ctx context.Context, cfg solana.Config) (web3.Client, error)

func defaultFactory(ctx context.Context, cfg solana.Config) (web3.Client, error) {
	client, err := solana.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Option 自定义注册表行为。
type Option func(*options)

type options struct {
	factory Factory
}

// WithFactory 替换客户端构造函数，主要用于测试。
func WithFactory(factory Factory) Option {
	return func(o *options) {
		if factory != nil {
			o.factory = factory
		}
	}
}

// Registry manages chain clients keyed by NetworkMode.
type Registry struct {
	defaultNetwork web3.NetworkMode
	clients        map[web3.NetworkMode]web3.Client
}

// NewRegistry loads network definitions and instantiates concrete clients.
// Endpoints in the YAML file take precedence over the inline URLs of cfg.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	o := options{factory: defaultFactory}
	for _, opt := range opts {
		opt(&o)
	}

	defs, err := web3.LoadNetworkDefinitions(cfg.NetworksFile)
	if err != nil {
		return nil, err
	}

	endpoints := map[web3.NetworkMode]solana.Config{}
	for mode, url := range map[web3.NetworkMode]string{
		web3.NetworkDevnet:  cfg.DevnetRPCURL,
		web3.NetworkMainnet: cfg.MainnetRPCURL,
	} {
		if strings.TrimSpace(url) == "" {
			continue
		}
		endpoints[mode] = solana.Config{
			Network:        mode,
			RPCURL:         url,
			Commitment:     cfg.Commitment,
			ConfirmTimeout: time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second,
		}
	}
	for name, def := range defs.Networks {
		mode, _ := web3.ParseNetworkMode(name)
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType != "" && chainType != "solana" {
			return nil, fmt.Errorf("网络 %s 使用了不支持的类型 %s", name, def.Type)
		}
		commitment := def.Commitment
		if commitment == "" {
			commitment = cfg.Commitment
		}
		timeout := def.ConfirmTimeoutSeconds
		if timeout <= 0 {
			timeout = cfg.ConfirmTimeoutSeconds
		}
		endpoints[mode] = solana.Config{
			Network:        mode,
			RPCURL:         def.RPCURL,
			BatchRPCURL:    def.BatchRPCURL,
			Commitment:     commitment,
			ConfirmTimeout: time.Duration(timeout) * time.Second,
		}
	}

	if len(endpoints) == 0 {
		return nil, errors.New("未配置任何网络的 RPC 端点")
	}

	clients := make(map[web3.NetworkMode]web3.Client, len(endpoints))
	for mode, endpoint := range endpoints {
		client, err := o.factory(ctx, endpoint)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("初始化网络 %s 失败: %w", mode, err)
		}
		clients[mode] = client
	}

	defaultNetwork := web3.NetworkDevnet
	if strings.TrimSpace(cfg.DefaultNetwork) != "" {
		defaultNetwork, err = web3.ParseNetworkMode(cfg.DefaultNetwork)
		if err != nil {
			return nil, err
		}
	}
	if _, ok := clients[defaultNetwork]; !ok {
		for _, c := range clients {
			c.Close()
		}
		return nil, fmt.Errorf("默认网络 %s 未在配置中找到", defaultNetwork)
	}

	return &Registry{defaultNetwork: defaultNetwork, clients: clients}, nil
}

// DefaultNetwork returns the network used when a profile does not name one.
func (r *Registry) DefaultNetwork() web3.NetworkMode {
	if r == nil {
		return web3.NetworkDevnet
	}
	return r.defaultNetwork
}

// Client returns the chain client for mode. An empty mode selects the default.
func (r *Registry) Client(mode web3.NetworkMode) (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	if mode == "" {
		mode = r.defaultNetwork
	}
	client, ok := r.clients[mode]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("网络 %s 未配置", mode),
			xerrors.WithMetadata("network", string(mode)))
	}
	return client, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for mode, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, mode)
	}
}

// Networks returns the configured network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for mode := range r.clients {
		names = append(names, string(mode))
	}
	sort.Strings(names)
	return names
}

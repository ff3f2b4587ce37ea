package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/api"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/config"
	"ChainPilot/internal/contacts"
	"ChainPilot/internal/events"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/llm/anthropic"
	"ChainPilot/internal/llm/gemini"
	"ChainPilot/internal/llm/openai"
	"ChainPilot/internal/llm/pythonbridge"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/price"
	"ChainPilot/internal/storage/sqldb"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/vault"
	"ChainPilot/internal/web3/provider"
	"ChainPilot/pkg/logger"

	"github.com/joho/godotenv"
)

// main 是 ChainPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chainpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 是可选的，缺失时直接使用进程环境变量。
	_ = godotenv.Load()

	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("chainpilotd")

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	profiles, err := vault.LoadFile(cfg.Vault.ProfilesFile)
	if err != nil {
		return err
	}

	directory, closeContacts, err := createContactStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeContacts()
	if err := profiles.SeedContacts(ctx, directory); err != nil {
		return err
	}

	oracle, closeCache, err := createPriceOracle(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	sink, err := createEventSink(cfg)
	if err != nil {
		return err
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn("关闭事件镜像失败", slog.Any("error", err))
			}
		}()
	}

	authSvc, err := createAuthService(cfg)
	if err != nil {
		return err
	}

	var notifiers []alerting.Notifier
	if cfg.Observability.AlertLog {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if url := cfg.Observability.AlertWebhookURL; url != "" {
		sender, err := alerting.NewHTTPWebhookSender(url, nil)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, &alerting.WebhookNotifier{Sender: sender})
	}

	agentOpts := []agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithRetryPolicy(cfg.Agent.RetryAttempts, time.Duration(cfg.Agent.RetryDelayMillis)*time.Millisecond),
		agent.WithLLMTimeout(time.Duration(cfg.Agent.LLMTimeoutSeconds) * time.Second),
		agent.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	}
	if cfg.Observability.MetricsEnabled {
		agentOpts = append(agentOpts, agent.WithMetrics(metrics.NewAgent(metrics.Registry)))
	}

	registry := tools.NewRegistry(directory, chains, oracle)
	ag := agent.New(llmClient, registry, agentOpts...)

	serverOpts := []api.Option{
		api.WithAuth(authSvc),
		api.WithMetrics(cfg.Observability.MetricsEnabled),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadHeaderTimeoutSecs)*time.Second,
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second,
		),
	}
	if sink != nil {
		serverOpts = append(serverOpts, api.WithEventSink(sink))
	}
	server, err := api.NewServer(cfg.Server.Address, ag, registry, profiles, serverOpts...)
	if err != nil {
		return err
	}

	log.Info("ChainPilot 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("llm", cfg.LLM.Provider),
		slog.String("default_network", string(chains.DefaultNetwork())),
		slog.String("contacts", cfg.Storage.Contacts.Driver),
		slog.String("auth", string(authSvc.Mode())),
		slog.Int("profiles", len(profiles.Subjects())))

	return server.Start(ctx)
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		return asClient(gemini.NewClient(gemini.Config{
			APIKey:  cfg.LLM.Gemini.APIKey,
			BaseURL: cfg.LLM.Gemini.BaseURL,
			Model:   cfg.LLM.Gemini.Model,
			Timeout: time.Duration(cfg.LLM.Gemini.TimeoutSeconds) * time.Second,
		}))
	case "openai":
		return asClient(openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: float64(cfg.LLM.OpenAI.Temperature),
			Timeout:     time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		}))
	case "anthropic":
		return asClient(anthropic.NewClient(anthropic.Config{
			APIKey:    cfg.LLM.Anthropic.APIKey,
			BaseURL:   cfg.LLM.Anthropic.BaseURL,
			Model:     cfg.LLM.Anthropic.Model,
			MaxTokens: cfg.LLM.Anthropic.MaxTokens,
		}))
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return asClient(pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, script, cfg.LLM.Python.WorkingDir))
	default:
		return nil, fmt.Errorf("不支持的 LLM provider: %s", cfg.LLM.Provider)
	}
}

// asClient 避免构造失败时返回携带 nil 指针的接口值。
func asClient[T llm.Client](client T, err error) (llm.Client, error) {
	if err != nil {
		return nil, err
	}
	return client, nil
}

func createContactStore(ctx context.Context, cfg *config.Config) (contacts.Store, func(), error) {
	c := cfg.Storage.Contacts
	switch c.Driver {
	case "memory":
		return contacts.NewMemoryDirectory(), func() {}, nil
	case "mysql", "sqlite":
		store, err := sqldb.NewContactStore(ctx, sqldb.Config{
			Driver:          c.Driver,
			DSN:             c.DSN,
			MaxOpenConns:    c.MaxOpenConns,
			MaxIdleConns:    c.MaxIdleConns,
			ConnMaxLifetime: time.Duration(c.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("不支持的联系人存储驱动: %s", c.Driver)
	}
}

func createPriceOracle(ctx context.Context, cfg *config.Config) (price.Oracle, func(), error) {
	oracle := price.NewCoinGecko(price.Config{
		BaseURL:  cfg.Price.BaseURL,
		Asset:    cfg.Price.Asset,
		Currency: cfg.Price.Currency,
		APIKey:   cfg.Price.APIKey,
		Timeout:  time.Duration(cfg.Price.TimeoutSeconds) * time.Second,
	})
	ttl := time.Duration(cfg.Price.CacheTTLSeconds) * time.Second

	switch cfg.Price.Cache {
	case "none":
		return oracle, func() {}, nil
	case "redis":
		cache, err := price.NewRedisCache(ctx, price.RedisConfig{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return price.NewCached(oracle, cache, ttl), func() { _ = cache.Close() }, nil
	default:
		return price.NewCached(oracle, price.NewMemoryCache(), ttl), func() {}, nil
	}
}

// createEventSink 返回 nil 表示不镜像进度事件。
func createEventSink(cfg *config.Config) (*events.Sink, error) {
	if cfg.Events.Driver != "rabbitmq" {
		return nil, nil
	}
	publisher, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
		URL:     cfg.Events.URL,
		Queue:   cfg.Events.Queue,
		Durable: cfg.Events.Durable,
	})
	if err != nil {
		return nil, err
	}
	return events.NewSink(publisher, events.WithBuffer(cfg.Events.Buffer)), nil
}

func createAuthService(cfg *config.Config) (*auth.Service, error) {
	tokens := make([]auth.StaticToken, 0, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.StaticToken{
			Token:       t.Token,
			Subject:     t.Subject,
			Permissions: t.Permissions,
			Disabled:    t.Disabled,
		})
	}
	return auth.NewService(auth.Config{
		Mode:           auth.Mode(strings.ToLower(cfg.Auth.Mode)),
		DefaultSubject: cfg.Auth.DefaultSubject,
		Tokens:         tokens,
	})
}

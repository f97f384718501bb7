package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cmdhema/lootpang-agent-llm/internal/api"
	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	"github.com/cmdhema/lootpang-agent-llm/internal/intent"
	"github.com/cmdhema/lootpang-agent-llm/internal/ledger"
	"github.com/cmdhema/lootpang-agent-llm/internal/loan"
	"github.com/cmdhema/lootpang-agent-llm/internal/nlu"
	"github.com/cmdhema/lootpang-agent-llm/internal/nlu/gemini"
	"github.com/cmdhema/lootpang-agent-llm/internal/notify"
	"github.com/cmdhema/lootpang-agent-llm/internal/quest"
	"github.com/cmdhema/lootpang-agent-llm/internal/reconcile"
	"github.com/cmdhema/lootpang-agent-llm/internal/session"
	"github.com/cmdhema/lootpang-agent-llm/internal/signing"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3/provider"
	"github.com/cmdhema/lootpang-agent-llm/pkg/logger"
)

// main 是 lootpang 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("lootpangd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 只在本地开发存在，缺失不算错误。
	_ = godotenv.Load()

	configPath := os.Getenv("LOOTPANG_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "lootpang.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	nluClient, err := createNLUClient(cfg)
	if err != nil {
		return err
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Chains)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	collateralClient, err := chainRegistry.CollateralClient()
	if err != nil {
		return err
	}
	issuanceClient, err := chainRegistry.IssuanceClient()
	if err != nil {
		return err
	}

	reader := ledger.NewReader(collateralClient, issuanceClient, cfg.Chains.Contracts)
	reconciler := reconcile.NewReconciler(reader, collateralClient, issuanceClient, cfg.Chains.Contracts)

	notifier, err := createNotifier(cfg)
	if err != nil {
		return err
	}
	if notifier != nil {
		defer notifier.Close()
		go func() {
			if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("通知转发器异常退出: %v", err)
			}
		}()
	}

	orchestrator, err := loan.NewOrchestrator(loan.Config{
		Sessions:      session.NewStore(),
		Resolver:      intent.NewResolver(nluClient),
		Ledger:        reader,
		Reconciler:    reconciler,
		Protocol:      signing.NewProtocol(cfg.Lending.DeadlineSeconds),
		Collateral:    collateralClient,
		Issuance:      issuanceClient,
		Contracts:     cfg.Chains.Contracts,
		ChainSelector: cfg.Chains.ChainSelector,
		Lending:       cfg.Lending,
		Notifier:      notifierOrNil(notifier),
	})
	if err != nil {
		return err
	}

	questStore, err := createQuestStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer questStore.Close()
	questService := quest.NewService(questStore, issuanceClient, cfg.Chains.Contracts)

	var limiter api.Limiter
	if cfg.Server.RateLimit.Enabled {
		redisLimiter, err := api.NewRedisLimiter(ctx, cfg.Server.RateLimit)
		if err != nil {
			return err
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
	}

	server := api.NewServer(cfg.Server.Address, cfg.Server.AllowedOrigins, orchestrator, questService, notifierOrNil(notifier), limiter)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createNLUClient(cfg *config.Config) (nlu.Client, error) {
	switch cfg.NLU.Provider {
	case "", "gemini":
		apiKey := strings.TrimSpace(os.Getenv(cfg.NLU.APIKeyEnv))
		if apiKey == "" {
			return nil, fmt.Errorf("环境变量 %s 未提供 API Key", cfg.NLU.APIKeyEnv)
		}
		return gemini.NewClient(gemini.Config{
			APIKey:  apiKey,
			BaseURL: cfg.NLU.BaseURL,
			Model:   cfg.NLU.Model,
			Timeout: time.Duration(cfg.NLU.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的语义分析 provider: %s", cfg.NLU.Provider)
	}
}

func createQuestStore(ctx context.Context, cfg *config.Config) (quest.Store, error) {
	switch cfg.Storage.QuestStore.Driver {
	case "", "memory":
		return quest.NewMemoryStore(), nil
	case "mysql":
		return quest.NewMySQLStore(ctx, cfg.Storage.QuestStore.DSN)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.QuestStore.Driver)
	}
}

func createNotifier(cfg *config.Config) (*notify.Service, error) {
	if !cfg.Notify.Enabled {
		return nil, nil
	}

	var queue notify.Queue
	if cfg.Notify.RabbitMQURL != "" {
		q, err := notify.NewRabbitMQQueue(notify.RabbitMQConfig{
			URL:     cfg.Notify.RabbitMQURL,
			Queue:   cfg.Notify.Queue,
			Durable: true,
		})
		if err != nil {
			return nil, err
		}
		queue = q
	}

	var sink notify.Sink
	token := strings.TrimSpace(os.Getenv(cfg.Notify.TelegramTokenEnv))
	if token != "" && cfg.Notify.TelegramChatID != "" {
		s, err := notify.NewTelegramSink(token, cfg.Notify.TelegramChatID)
		if err != nil {
			return nil, err
		}
		sink = s
	}

	if queue == nil && sink == nil {
		return nil, errors.New("通知已启用但既无队列也无 Telegram 配置")
	}
	return notify.NewService(queue, sink), nil
}

// notifierOrNil 避免把带类型的 nil 指针塞进接口。
func notifierOrNil(svc *notify.Service) loan.Notifier {
	if svc == nil {
		return nil
	}
	return svc
}

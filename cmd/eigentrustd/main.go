package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"

	"github.com/brech1/eigentrust-protocol/internal/aggregator"
	"github.com/brech1/eigentrust-protocol/internal/anchor"
	"github.com/brech1/eigentrust-protocol/internal/api"
	"github.com/brech1/eigentrust-protocol/internal/attestation"
	"github.com/brech1/eigentrust-protocol/internal/config"
	"github.com/brech1/eigentrust-protocol/internal/eigentrust"
	"github.com/brech1/eigentrust-protocol/internal/ingest"
	"github.com/brech1/eigentrust-protocol/internal/observability/alerting"
	"github.com/brech1/eigentrust-protocol/internal/policy"
	"github.com/brech1/eigentrust-protocol/internal/proof"
	"github.com/brech1/eigentrust-protocol/internal/proof/groth16"
	"github.com/brech1/eigentrust-protocol/internal/proof/signature"
	"github.com/brech1/eigentrust-protocol/internal/storage"
	"github.com/brech1/eigentrust-protocol/internal/storage/mysql"
	"github.com/brech1/eigentrust-protocol/internal/trust"
	"github.com/brech1/eigentrust-protocol/internal/web3/provider"
	"github.com/brech1/eigentrust-protocol/pkg/logger"
)

// main 是 EigenTrust 聚合节点的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("eigentrustd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("EIGENTRUST_CONFIG"))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		AddSource:   cfg.Log.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	lg := logger.Named("eigentrustd")
	gin.SetMode(gin.ReleaseMode)

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	key, err := loadNodeKey(cfg.Node, cfg.Runtime.DataDir)
	if err != nil {
		return err
	}
	self := crypto.PubkeyToAddress(key.PublicKey)
	lg.Info("节点身份已加载", "peer", self.Hex())

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	journal, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			lg.Warn("关闭提交日志失败", "error", err)
		}
	}()

	backend, err := createProofBackend(cfg.Proof, key)
	if err != nil {
		return err
	}
	proofs := proof.NewManager(backend, attestation.New(cfg.Proof.Capacity),
		proof.WithWorkers(cfg.Proof.Workers),
		proof.WithVerifyTimeout(cfg.Proof.VerifyTimeout),
		proof.WithProveTimeout(cfg.Proof.ProveTimeout),
		proof.WithCacheSize(cfg.Proof.CacheSize),
	)

	authorizer, err := policy.NewEngine(ctx,
		policy.WithModulePath(cfg.Policy.ModulePath),
		policy.WithAdmins(cfg.Policy.Admins...),
	)
	if err != nil {
		return err
	}

	aggCfg, err := aggregatorConfig(cfg, self)
	if err != nil {
		return err
	}
	opts := []aggregator.Option{
		aggregator.WithJournal(journal),
		aggregator.WithAuthorizer(authorizer),
		aggregator.WithAlertDispatcher(alerts),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Anchor.Enabled {
		registry, err := provider.NewRegistry(ctx, cfg.Web3, key, nil)
		if err != nil {
			return err
		}
		defer registry.Close()

		chain, err := registry.DefaultClient()
		if err != nil {
			return err
		}
		anchorer := anchor.New(chain, anchor.Config{
			SubmitTimeout:  cfg.Anchor.SubmitTimeout,
			ConfirmTimeout: cfg.Anchor.ConfirmTimeout,
			SweepInterval:  cfg.Anchor.SweepInterval,
			RetryCap:       cfg.Anchor.RetryCap,
		}, anchor.WithStore(journal), anchor.WithAlertDispatcher(alerts))
		go func() {
			if err := anchorer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("锚定器异常退出", "error", err)
			}
		}()
		opts = append(opts,
			aggregator.WithChain(chain),
			aggregator.WithAnchorer(anchorer),
			aggregator.WithAnchorReports(anchorer.Reports()),
		)
		lg.Info("链上锚定已启用", "chains", strings.Join(registry.Chains(), ","))
	}

	svc, err := aggregator.New(aggCfg, proofs, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			lg.Warn("关闭聚合服务失败", "error", err)
		}
	}()

	boot, err := svc.Bootstrap(ctx)
	if err != nil {
		return err
	}
	lg.Info("启动恢复完成",
		"last_round", boot.LastRound,
		"ledger_rows", boot.LedgerRows,
		"replayed_rows", boot.ReplayedRows,
		"skipped", boot.Skipped,
	)

	go func() {
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("轮次调度异常退出", "error", err)
		}
	}()

	queue, err := createQueue(ctx, cfg.Ingest)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭提交队列失败", "error", err)
		}
	}()

	ingestor := ingest.NewIngestor(svc, queue,
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithSignatureCheck(cfg.Node.RequireSignatures),
	)
	go func() {
		if err := ingestor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("提交消费者异常退出", "error", err)
		}
	}()

	server := api.NewServer(api.Config{
		Address:           cfg.Server.Address,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		CORSOrigins:       cfg.Server.CORSOrigins,
		RateLimitRPS:      cfg.Server.RateLimit.RPS,
		RateLimitBurst:    cfg.Server.RateLimit.Burst,
		RequireSignatures: cfg.Node.RequireSignatures,
	}, svc, api.WithProducer(queue))

	lg.Info("API 服务启动", "address", cfg.Server.Address, "ingest", cfg.Ingest.Driver, "proof", backend.Name())
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func aggregatorConfig(cfg *config.Config, self trust.Peer) (aggregator.Config, error) {
	pretrusted := make(trust.Distribution, len(cfg.Trust.Pretrusted))
	for hex, weight := range cfg.Trust.Pretrusted {
		peer, err := parsePeer(hex)
		if err != nil {
			return aggregator.Config{}, fmt.Errorf("trust.pretrusted: %w", err)
		}
		pretrusted[peer] = weight
	}
	expected := make([]trust.Peer, 0, len(cfg.Round.ExpectedPeers))
	for _, hex := range cfg.Round.ExpectedPeers {
		peer, err := parsePeer(hex)
		if err != nil {
			return aggregator.Config{}, fmt.Errorf("round.expected_peers: %w", err)
		}
		expected = append(expected, peer)
	}
	return aggregator.Config{
		Self: self,
		Params: eigentrust.Params{
			Alpha:         cfg.Trust.Alpha,
			Epsilon:       cfg.Trust.Epsilon,
			MaxIterations: cfg.Trust.MaxIterations,
		},
		Pretrusted:    pretrusted,
		Interval:      cfg.Round.Interval,
		Quorum:        cfg.Round.Quorum,
		ExpectedPeers: expected,
		HistorySize:   cfg.Round.HistorySize,
		ProveOwn:      cfg.Proof.ProveOwn,
		MaxClockSkew:  cfg.Round.MaxClockSkew,
	}, nil
}

func parsePeer(hex string) (trust.Peer, error) {
	if !common.IsHexAddress(hex) {
		return trust.Peer{}, fmt.Errorf("非法节点地址 %q", hex)
	}
	return common.HexToAddress(hex), nil
}

// loadNodeKey 依次尝试配置中的私钥、密钥文件，都不存在时生成新密钥并写入文件。
func loadNodeKey(cfg config.NodeConfig, dataDir string) (*ecdsa.PrivateKey, error) {
	if hex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"); hex != "" {
		key, err := crypto.HexToECDSA(hex)
		if err != nil {
			return nil, fmt.Errorf("解析 node.private_key 失败: %w", err)
		}
		return key, nil
	}
	path := cfg.KeyFile
	if path == "" {
		path = filepath.Join(dataDir, "node.key")
	}
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取节点密钥 %s 失败: %w", path, err)
	}
	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("写入节点密钥 %s 失败: %w", path, err)
	}
	return key, nil
}

func openJournal(ctx context.Context, cfg *config.Config) (storage.Journal, error) {
	switch cfg.Storage.Driver {
	case "file", "":
		return storage.NewFileJournal(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.New(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("不支持的 storage.driver %q", cfg.Storage.Driver)
	}
}

func createProofBackend(cfg config.ProofConfig, key *ecdsa.PrivateKey) (proof.Backend, error) {
	switch cfg.Backend {
	case "groth16", "":
		return groth16.LoadOrSetup(cfg.KeyDir, cfg.Capacity)
	case "signature":
		return signature.New(key), nil
	default:
		return nil, fmt.Errorf("不支持的 proof.backend %q", cfg.Backend)
	}
}

type submissionQueue interface {
	ingest.Queue
	Close() error
}

func createQueue(ctx context.Context, cfg config.IngestConfig) (submissionQueue, error) {
	switch cfg.Driver {
	case "memory", "":
		return ingest.NewMemoryQueue(cfg.BufferSize), nil
	case "redis":
		return ingest.NewRedisQueue(ctx, ingest.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		return ingest.NewRabbitMQQueue(ingest.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("不支持的 ingest.driver %q", cfg.Driver)
	}
}

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 EIGENTRUST_SERVER_ADDRESS。
const EnvPrefix = "EIGENTRUST"

// Config 描述了节点启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `mapstructure:"server" json:"server"`
	Node    NodeConfig    `mapstructure:"node" json:"node"`
	Trust   TrustConfig   `mapstructure:"trust" json:"trust"`
	Round   RoundConfig   `mapstructure:"round" json:"round"`
	Proof   ProofConfig   `mapstructure:"proof" json:"proof"`
	Anchor  AnchorConfig  `mapstructure:"anchor" json:"anchor"`
	Web3    Web3Config    `mapstructure:"web3" json:"web3"`
	Storage StorageConfig `mapstructure:"storage" json:"storage"`
	Ingest  IngestConfig  `mapstructure:"ingest" json:"ingest"`
	Policy  PolicyConfig  `mapstructure:"policy" json:"policy"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
	Runtime RuntimeConfig `mapstructure:"runtime" json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string          `mapstructure:"address" json:"address"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	CORSOrigins     []string        `mapstructure:"cors_origins" json:"cors_origins"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig 描述按客户端限流的参数，RPS 为 0 时关闭。
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" json:"rps"`
	Burst int     `mapstructure:"burst" json:"burst"`
}

// NodeConfig 描述本地节点身份。
type NodeConfig struct {
	// PrivateKey 是十六进制 secp256k1 私钥，优先于 KeyFile。
	PrivateKey string `mapstructure:"private_key" json:"-"`
	KeyFile    string `mapstructure:"key_file" json:"key_file"`
	// RequireSignatures 要求每个提交由来源节点签名。
	RequireSignatures bool `mapstructure:"require_signatures" json:"require_signatures"`
}

// TrustConfig 控制 EigenTrust 计算。
type TrustConfig struct {
	Alpha         float64            `mapstructure:"alpha" json:"alpha"`
	Epsilon       float64            `mapstructure:"epsilon" json:"epsilon"`
	MaxIterations int                `mapstructure:"max_iterations" json:"max_iterations"`
	Pretrusted    map[string]float64 `mapstructure:"pretrusted" json:"pretrusted"`
}

// RoundConfig 控制轮次触发策略。
type RoundConfig struct {
	Interval      time.Duration `mapstructure:"interval" json:"interval"`
	Quorum        int           `mapstructure:"quorum" json:"quorum"`
	ExpectedPeers []string      `mapstructure:"expected_peers" json:"expected_peers"`
	HistorySize   int           `mapstructure:"history_size" json:"history_size"`
	// MaxClockSkew 是信封时间戳允许的最大时钟偏差，负值关闭检查。
	MaxClockSkew  time.Duration `mapstructure:"max_clock_skew" json:"max_clock_skew"`
}

// ProofConfig 控制证明后端与验证池。
type ProofConfig struct {
	Backend       string        `mapstructure:"backend" json:"backend"`
	Capacity      int           `mapstructure:"capacity" json:"capacity"`
	KeyDir        string        `mapstructure:"key_dir" json:"key_dir"`
	Workers       int           `mapstructure:"workers" json:"workers"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout" json:"verify_timeout"`
	ProveTimeout  time.Duration `mapstructure:"prove_timeout" json:"prove_timeout"`
	CacheSize     int           `mapstructure:"cache_size" json:"cache_size"`
	ProveOwn      bool          `mapstructure:"prove_own" json:"prove_own"`
}

// AnchorConfig 控制链上锚定的重试策略。
type AnchorConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout" json:"submit_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" json:"confirm_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	RetryCap       int           `mapstructure:"retry_cap" json:"retry_cap"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainConfig    string `mapstructure:"chain_config" json:"chain_config"`
	DefaultChain   string `mapstructure:"default_chain" json:"default_chain"`
	RPCURL         string `mapstructure:"rpc_url" json:"rpc_url"`
	WSURL          string `mapstructure:"ws_url" json:"ws_url"`
	Contract       string `mapstructure:"contract" json:"contract"`
	GasLimit       uint64 `mapstructure:"gas_limit" json:"gas_limit"`
	TipBumpPercent int    `mapstructure:"tip_bump_percent" json:"tip_bump_percent"`
}

// StorageConfig 描述提交日志的持久化后端。
type StorageConfig struct {
	Driver          string        `mapstructure:"driver" json:"driver"`
	DSN             string        `mapstructure:"dsn" json:"-"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// IngestConfig 描述提交队列。
type IngestConfig struct {
	Driver     string         `mapstructure:"driver" json:"driver"`
	Workers    int            `mapstructure:"workers" json:"workers"`
	BufferSize int            `mapstructure:"buffer_size" json:"buffer_size"`
	Redis      RedisConfig    `mapstructure:"redis" json:"redis"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq" json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address   string        `mapstructure:"address" json:"address"`
	Password  string        `mapstructure:"password" json:"-"`
	DB        int           `mapstructure:"db" json:"db"`
	Queue     string        `mapstructure:"queue" json:"queue"`
	BlockWait time.Duration `mapstructure:"block_wait" json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url" json:"-"`
	Queue    string `mapstructure:"queue" json:"queue"`
	Prefetch int    `mapstructure:"prefetch" json:"prefetch"`
	Durable  bool   `mapstructure:"durable" json:"durable"`
}

// PolicyConfig 描述预信任更新与管理操作的授权策略。
type PolicyConfig struct {
	ModulePath string   `mapstructure:"module_path" json:"module_path"`
	Admins     []string `mapstructure:"admins" json:"admins"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level     string         `mapstructure:"level" json:"level"`
	Format    string         `mapstructure:"format" json:"format"`
	Outputs   []string       `mapstructure:"outputs" json:"outputs"`
	AddSource bool           `mapstructure:"add_source" json:"add_source"`
	Audit     AuditLogConfig `mapstructure:"audit" json:"audit"`
}

// AuditLogConfig 控制审计日志。
type AuditLogConfig struct {
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	Path       string `mapstructure:"path" json:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
}

// Load 读取配置文件（可为空）并叠加环境变量，随后填充默认值并校验。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit.rps", 20.0)
	v.SetDefault("server.rate_limit.burst", 40)

	v.SetDefault("node.private_key", "")
	v.SetDefault("node.key_file", "")
	v.SetDefault("node.require_signatures", true)

	v.SetDefault("trust.alpha", 0.85)
	v.SetDefault("trust.epsilon", 1e-6)
	v.SetDefault("trust.max_iterations", 1000)
	v.SetDefault("trust.pretrusted", map[string]float64{})

	v.SetDefault("round.interval", time.Minute)
	v.SetDefault("round.quorum", 0)
	v.SetDefault("round.expected_peers", []string{})
	v.SetDefault("round.history_size", 64)
	v.SetDefault("round.max_clock_skew", 5*time.Minute)

	v.SetDefault("proof.backend", "groth16")
	v.SetDefault("proof.capacity", 16)
	v.SetDefault("proof.key_dir", "")
	v.SetDefault("proof.workers", 4)
	v.SetDefault("proof.verify_timeout", 10*time.Second)
	v.SetDefault("proof.prove_timeout", time.Minute)
	v.SetDefault("proof.cache_size", 1024)
	v.SetDefault("proof.prove_own", true)

	v.SetDefault("anchor.enabled", false)
	v.SetDefault("anchor.submit_timeout", 15*time.Second)
	v.SetDefault("anchor.confirm_timeout", 2*time.Minute)
	v.SetDefault("anchor.sweep_interval", 10*time.Second)
	v.SetDefault("anchor.retry_cap", 3)

	v.SetDefault("web3.chain_config", "")
	v.SetDefault("web3.default_chain", "")
	v.SetDefault("web3.rpc_url", "")
	v.SetDefault("web3.ws_url", "")
	v.SetDefault("web3.contract", "")
	v.SetDefault("web3.gas_limit", 0)
	v.SetDefault("web3.tip_bump_percent", 12)

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("ingest.driver", "memory")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.buffer_size", 1024)
	v.SetDefault("ingest.redis.address", "")
	v.SetDefault("ingest.redis.password", "")
	v.SetDefault("ingest.redis.db", 0)
	v.SetDefault("ingest.redis.queue", "eigentrust:submissions")
	v.SetDefault("ingest.redis.block_wait", 5*time.Second)
	v.SetDefault("ingest.rabbitmq.url", "")
	v.SetDefault("ingest.rabbitmq.queue", "eigentrust.submissions")
	v.SetDefault("ingest.rabbitmq.prefetch", 32)
	v.SetDefault("ingest.rabbitmq.durable", true)

	v.SetDefault("policy.module_path", "")
	v.SetDefault("policy.admins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.outputs", []string{"stdout"})
	v.SetDefault("log.add_source", false)
	v.SetDefault("log.audit.enabled", false)
	v.SetDefault("log.audit.path", "")
	v.SetDefault("log.audit.max_size_mb", 100)
	v.SetDefault("log.audit.max_backups", 7)
	v.SetDefault("log.audit.max_age_days", 30)
	v.SetDefault("log.audit.compress", true)

	v.SetDefault("runtime.data_dir", "")
}

// applyDefaults 在用户未填写部分字段时设置依赖其他字段的默认值。
func (c *Config) applyDefaults(baseDir string) {
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	if c.Proof.KeyDir == "" {
		c.Proof.KeyDir = filepath.Join(c.Runtime.DataDir, "keys")
	} else {
		c.Proof.KeyDir = resolve(baseDir, c.Proof.KeyDir, "")
	}
	if c.Node.KeyFile != "" {
		c.Node.KeyFile = resolve(baseDir, c.Node.KeyFile, "")
	}
	if c.Policy.ModulePath != "" {
		c.Policy.ModulePath = resolve(baseDir, c.Policy.ModulePath, "")
	}
	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
	c.Proof.Backend = strings.ToLower(strings.TrimSpace(c.Proof.Backend))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Ingest.Driver = strings.ToLower(strings.TrimSpace(c.Ingest.Driver))
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查配置的一致性。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Address) == "" {
		errs = append(errs, errors.New("server.address 不能为空"))
	}
	if c.Trust.Alpha < 0 || c.Trust.Alpha > 1 {
		errs = append(errs, fmt.Errorf("trust.alpha %v 必须位于 [0,1]", c.Trust.Alpha))
	}
	if c.Trust.Epsilon <= 0 {
		errs = append(errs, errors.New("trust.epsilon 必须大于 0"))
	}
	if c.Trust.MaxIterations <= 0 {
		errs = append(errs, errors.New("trust.max_iterations 必须大于 0"))
	}
	if c.Round.Interval <= 0 && c.Round.Quorum <= 0 {
		errs = append(errs, errors.New("round.interval 与 round.quorum 至少配置一个"))
	}
	if c.Round.Quorum < 0 {
		errs = append(errs, errors.New("round.quorum 不能为负数"))
	}
	switch c.Proof.Backend {
	case "groth16", "signature":
	default:
		errs = append(errs, fmt.Errorf("不支持的 proof.backend %q", c.Proof.Backend))
	}
	if c.Proof.Capacity <= 0 {
		errs = append(errs, errors.New("proof.capacity 必须大于 0"))
	}
	if c.Anchor.RetryCap < 0 {
		errs = append(errs, errors.New("anchor.retry_cap 不能为负数"))
	}
	if c.Anchor.Enabled && c.Web3.ChainConfig == "" && c.Web3.RPCURL == "" {
		errs = append(errs, errors.New("启用锚定时必须配置 web3.chain_config 或 web3.rpc_url"))
	}
	switch c.Storage.Driver {
	case "file":
	case "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("mysql 存储需要配置 storage.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 storage.driver %q", c.Storage.Driver))
	}
	switch c.Ingest.Driver {
	case "memory":
	case "redis":
		if c.Ingest.Redis.Address == "" {
			errs = append(errs, errors.New("redis 队列需要配置 ingest.redis.address"))
		}
	case "rabbitmq":
		if c.Ingest.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq 队列需要配置 ingest.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 ingest.driver %q", c.Ingest.Driver))
	}
	return errors.Join(errs...)
}

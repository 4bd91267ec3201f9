package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 节点的全部配置
type Config struct {
	Pbft      PbftConfig      `mapstructure:"pbft"`
	Dag       DagConfig       `mapstructure:"dag"`
	Sortition SortitionConfig `mapstructure:"sortition"`
	Proposer  ProposerConfig  `mapstructure:"proposer"`
	TxPool    TxPoolConfig    `mapstructure:"txpool"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Network   NetworkConfig   `mapstructure:"network"`
	Node      NodeConfig      `mapstructure:"node"`
}

// PbftConfig PBFT 轮次/步骤相关配置
type PbftConfig struct {
	Lambda        time.Duration `mapstructure:"lambda"`         // 基础步长 λ
	CommitteeSize uint64        `mapstructure:"committee_size"` // 投票委员会大小

	// 投票的可接受窗口
	MaxFuturePeriods uint64 `mapstructure:"max_future_periods"`
	MaxFutureRounds  uint64 `mapstructure:"max_future_rounds"`
	MaxSteps         uint64 `mapstructure:"max_steps"`

	MaxWaitForSoftVotedBlock time.Duration `mapstructure:"max_wait_for_soft_voted_block"`
	MaxWaitForNextVotedBlock time.Duration `mapstructure:"max_wait_for_next_voted_block"`
	SyncRequestInterval      time.Duration `mapstructure:"sync_request_interval"`
	MaxStepEscalation        uint64        `mapstructure:"max_step_escalation"` // 第 5 步以后超时倍数的上限

	VerifyWorkers       int `mapstructure:"verify_workers"`
	VerifiedCacheSize   int `mapstructure:"verified_cache_size"`
	CommitteeCacheSize  int `mapstructure:"committee_cache_size"`
	MaxVotesInPacket    int `mapstructure:"max_votes_in_packet"`
	ProposalPoolMaxSize int `mapstructure:"proposal_pool_max_size"`
}

// DagConfig DAG 管理器配置
type DagConfig struct {
	MaxTips              int           `mapstructure:"max_tips"`
	PruneKeepPeriods     uint64        `mapstructure:"prune_keep_periods"` // 0 表示不裁剪
	MaxProposalPeriodLag uint64        `mapstructure:"max_proposal_period_lag"`
	PendingBlocksLimit   int           `mapstructure:"pending_blocks_limit"`
	PendingBlockTTL      time.Duration `mapstructure:"pending_block_ttl"`
}

// VrfParams VRF 阈值
type VrfParams struct {
	ThresholdRange uint16 `mapstructure:"threshold_range"`
	ThresholdUpper uint16 `mapstructure:"threshold_upper"`
}

// EfficiencyTargets 目标效率区间（基点，10000 = 100%）
type EfficiencyTargets struct {
	Low  uint16 `mapstructure:"low"`
	High uint16 `mapstructure:"high"`
}

// SortitionConfig 抽签参数控制器配置
type SortitionConfig struct {
	Vrf                    VrfParams         `mapstructure:"vrf"`
	ComputationInterval    uint64            `mapstructure:"computation_interval"`
	ChangingInterval       uint64            `mapstructure:"changing_interval"` // 0 表示关闭自适应
	ChangesCountForAverage int               `mapstructure:"changes_count_for_average"`
	Targets                EfficiencyTargets `mapstructure:"targets"`
}

// ProposerConfig DAG 出块配置
type ProposerConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	MaxTxsPerBlock     int           `mapstructure:"max_txs_per_block"`
	ShardCount         uint64        `mapstructure:"shard_count"`
	ProposeEmptyBlocks bool          `mapstructure:"propose_empty_blocks"`
}

// TxPoolConfig 交易池配置
type TxPoolConfig struct {
	PendingTxCacheSize int `mapstructure:"pending_tx_cache_size"`
	MaxPendingTxs      int `mapstructure:"max_pending_txs"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	InMemory       bool   `mapstructure:"in_memory"`
	BlockCacheSize int    `mapstructure:"block_cache_size"`
}

// NetworkConfig 本地网络配置
type NetworkConfig struct {
	NetworkLatency   time.Duration `mapstructure:"network_latency"`
	DefaultNumNodes  int           `mapstructure:"default_num_nodes"`
	InboxSize        int           `mapstructure:"inbox_size"`
	DisconnectOnBad  bool          `mapstructure:"disconnect_on_bad"`
	DeliveryWorkers  int           `mapstructure:"delivery_workers"`
	SyncRequestLimit int           `mapstructure:"sync_request_limit"`
}

// NodeConfig 节点级配置
type NodeConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	Stake    uint64 `mapstructure:"stake"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Pbft: PbftConfig{
			Lambda:                   1500 * time.Millisecond,
			CommitteeSize:            1000,
			MaxFuturePeriods:         2,
			MaxFutureRounds:          10,
			MaxSteps:                 1000,
			MaxWaitForSoftVotedBlock: 30 * time.Second,
			MaxWaitForNextVotedBlock: 30 * time.Second,
			SyncRequestInterval:      2 * time.Second,
			MaxStepEscalation:        10,
			VerifyWorkers:            4,
			VerifiedCacheSize:        100000,
			CommitteeCacheSize:       64,
			MaxVotesInPacket:         1000,
			ProposalPoolMaxSize:      1000,
		},
		Dag: DagConfig{
			MaxTips:              16,
			PruneKeepPeriods:     0,
			MaxProposalPeriodLag: 20,
			PendingBlocksLimit:   1024,
			PendingBlockTTL:      time.Minute,
		},
		Sortition: SortitionConfig{
			Vrf: VrfParams{
				ThresholdRange: 80,
				ThresholdUpper: 32768,
			},
			ComputationInterval:    200,
			ChangingInterval:       200,
			ChangesCountForAverage: 10,
			Targets: EfficiencyTargets{
				Low:  6900,
				High: 7100,
			},
		},
		Proposer: ProposerConfig{
			Interval:           500 * time.Millisecond,
			MaxTxsPerBlock:     250,
			ShardCount:         1,
			ProposeEmptyBlocks: false,
		},
		TxPool: TxPoolConfig{
			PendingTxCacheSize: 100000,
			MaxPendingTxs:      10000,
		},
		Database: DatabaseConfig{
			Path:           "data",
			InMemory:       false,
			BlockCacheSize: 4096,
		},
		Network: NetworkConfig{
			NetworkLatency:   20 * time.Millisecond,
			DefaultNumNodes:  4,
			InboxSize:        4096,
			DisconnectOnBad:  true,
			DeliveryWorkers:  4,
			SyncRequestLimit: 16,
		},
		Node: NodeConfig{
			DataDir:  "data",
			LogLevel: "info",
			Stake:    1 << 40,
		},
	}
}

// LoadFromFile 从文件加载配置，文件里没出现的字段保持默认值；
// 环境变量 DAGBFT_PBFT_LAMBDA 之类可以覆盖文件里的值
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetEnvPrefix("DAGBFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Pbft.Lambda <= 0 {
		return fmt.Errorf("pbft.lambda must be positive")
	}
	if c.Pbft.CommitteeSize == 0 {
		return fmt.Errorf("pbft.committee_size must be positive")
	}
	if c.Pbft.MaxSteps < 5 {
		return fmt.Errorf("pbft.max_steps must be at least 5")
	}
	if c.Pbft.MaxVotesInPacket <= 0 {
		return fmt.Errorf("pbft.max_votes_in_packet must be positive")
	}
	if c.Pbft.VerifyWorkers <= 0 {
		return fmt.Errorf("pbft.verify_workers must be positive")
	}
	if c.Sortition.ChangingInterval > c.Sortition.ComputationInterval {
		return fmt.Errorf("sortition.changing_interval (%d) exceeds computation_interval (%d)",
			c.Sortition.ChangingInterval, c.Sortition.ComputationInterval)
	}
	if c.Sortition.ChangingInterval > 0 && c.Sortition.ComputationInterval == 0 {
		return fmt.Errorf("sortition.computation_interval must be positive")
	}
	if c.Sortition.Targets.Low == 0 {
		return fmt.Errorf("sortition.targets.low must be positive")
	}
	if c.Sortition.Targets.Low > c.Sortition.Targets.High {
		return fmt.Errorf("sortition.targets: low %d above high %d", c.Sortition.Targets.Low, c.Sortition.Targets.High)
	}
	if c.Sortition.ChangesCountForAverage <= 0 {
		return fmt.Errorf("sortition.changes_count_for_average must be positive")
	}
	if c.Dag.MaxTips < 0 {
		return fmt.Errorf("dag.max_tips must not be negative")
	}
	if c.Proposer.ShardCount == 0 {
		return fmt.Errorf("proposer.shard_count must be positive")
	}
	if c.Proposer.Interval <= 0 {
		return fmt.Errorf("proposer.interval must be positive")
	}
	return nil
}

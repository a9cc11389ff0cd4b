package config

import (
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"PSync/tools/errs"
)

// AppConfig 同步引擎全部可调参数。
// 配置来源：YAML 文件 -> map -> mapstructure 宽松解码（"8080" -> int 也能过）。
type AppConfig struct {
	NodeID   int64  `mapstructure:"node_id"`
	HTTPAddr string `mapstructure:"http_addr"`

	Mongo MongoConfig `mapstructure:"mongo"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Sync  SyncConfig  `mapstructure:"sync"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"` // 提交事件总线 topic
}

type SyncConfig struct {
	// 提交链路
	GapThreshold int64 `mapstructure:"gap_threshold"` // 超过该落后量返回 gap_hint
	AllocRetry   int   `mapstructure:"alloc_retry"`   // 发号事务瞬时冲突重试次数

	// 读链路
	DiffLimit int `mapstructure:"diff_limit"` // get_difference 单页上限

	// 缓存
	CacheWindow  int           `mapstructure:"cache_window"`  // 日志尾部缓存条数
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`     // 尾部/pts 缓存 TTL
	CacheTimeout time.Duration `mapstructure:"cache_timeout"` // write-through 超时（超时即放弃，不阻塞主链路）

	// 离线队列
	OfflineMax int           `mapstructure:"offline_max"` // 每用户未投递上限，超过裁最旧
	OfflineTTL time.Duration `mapstructure:"offline_ttl"` // 创建后过期时间

	// 清理
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	RegistryRetention time.Duration `mapstructure:"registry_retention"` // 幂等记录保留时长
	FanoutWorkers     int           `mapstructure:"fanout_workers"`
	FanoutQueue       int           `mapstructure:"fanout_queue"`
}

// Default 各参数缺省值（与线上基线一致）
func Default() *AppConfig {
	return &AppConfig{
		NodeID:   1,
		HTTPAddr: ":8080",
		Mongo:    MongoConfig{URI: "mongodb://localhost:27017", Database: "psync"},
		Redis:    RedisConfig{Addr: "localhost:6379", PoolSize: 64},
		Kafka:    KafkaConfig{Enabled: false, Brokers: []string{"localhost:9092"}, Topic: "sync-commits"},
		Sync: SyncConfig{
			GapThreshold:      100,
			AllocRetry:        3,
			DiffLimit:         100,
			CacheWindow:       100,
			CacheTTL:          time.Hour,
			CacheTimeout:      200 * time.Millisecond,
			OfflineMax:        100,
			OfflineTTL:        7 * 24 * time.Hour,
			CleanupInterval:   10 * time.Minute,
			RegistryRetention: 7 * 24 * time.Hour,
			FanoutWorkers:     8,
			FanoutQueue:       1024,
		},
	}
}

// Load 读取 YAML 并覆盖到缺省配置上；path 为空时直接用缺省值。
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapMsg(err, "read config", "path", path)
	}

	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errs.WrapMsg(err, "parse config yaml", "path", path)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, errs.WrapMsg(err, "decode config", "path", path)
	}
	return cfg, nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendBadger = "badger"

	QueueFullBlock  = "block"
	QueueFullReject = "reject"

	DefaultConfigPath = "config.json"
)

type Database struct {
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
}

type Persistence struct {
	Backend              string `json:"backend" yaml:"backend"`
	BadgerDir            string `json:"badger_dir" yaml:"badger_dir"`
	BucketCount          int    `json:"bucket_count" yaml:"bucket_count"`
	QueueLimit           int    `json:"queue_limit" yaml:"queue_limit"`
	QueueFullPolicy      string `json:"queue_full_policy" yaml:"queue_full_policy"`
	CleanupInterval      string `json:"cleanup_interval" yaml:"cleanup_interval"`
	WillCheckInterval    string `json:"will_check_interval" yaml:"will_check_interval"`
	SharedCacheSize      int    `json:"shared_cache_size" yaml:"shared_cache_size"`
	SharedCacheTTL       string `json:"shared_cache_ttl" yaml:"shared_cache_ttl"`
	ChunkSize            int    `json:"chunk_size" yaml:"chunk_size"`
	DefaultClientQueue   uint64 `json:"default_client_queue" yaml:"default_client_queue"`
	SharedQueuePollBatch int    `json:"shared_queue_poll_batch" yaml:"shared_queue_poll_batch"`
}

type Metrics struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

type Config struct {
	Database    Database    `json:"database" yaml:"database"`
	Persistence Persistence `json:"persistence" yaml:"persistence"`
	Metrics     Metrics     `json:"metrics" yaml:"metrics"`
	DebugMode   bool        `json:"debug_mode" yaml:"debug_mode"`
	AppName     string      `json:"app_name" yaml:"app_name"`
	LogPath     string      `json:"log_path" yaml:"log_path"`
}

var (
	config      Config
	initialized = false
	mu          sync.Mutex

	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
)

func Default() Config {
	return Config{
		Database: Database{
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "mqtt",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        2,
			MaxPoolSize:        32,
		},
		Persistence: Persistence{
			Backend:              BackendMemory,
			BadgerDir:            "data",
			BucketCount:          64,
			QueueLimit:           0,
			QueueFullPolicy:      QueueFullBlock,
			CleanupInterval:      "4s",
			WillCheckInterval:    "1s",
			SharedCacheSize:      10000,
			SharedCacheTTL:       "5m",
			ChunkSize:            500,
			DefaultClientQueue:   1000,
			SharedQueuePollBatch: 50,
		},
		Metrics: Metrics{
			Enabled: true,
			Address: ":9400",
		},
		AppName: "life-stream-mqtt-persistence",
		LogPath: "logs",
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, c Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "\t")
}

// ReadConfig 读取配置文件，不存在时写入默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if path == "" {
		path = DefaultConfigPath
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read configuration file failed: %w", err)
		}
		data, err := marshal(path, Default())
		if err != nil {
			return Config{}, fmt.Errorf("encode default configuration failed: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return Config{}, fmt.Errorf("create configuration file failed: %w", err)
		}
		return Default(), ErrConfigCreated
	}

	parsed := Default()
	if isYAML(path) {
		if err := yaml.Unmarshal(bytes, &parsed); err != nil {
			return parsed, fmt.Errorf("the configuration file does not contain valid YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(bytes, &parsed); err != nil {
			return parsed, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
		}
	}

	if err := parsed.Validate(); err != nil {
		return parsed, err
	}

	config = parsed
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	mu.Lock()
	if initialized {
		defer mu.Unlock()
		return config, nil
	}
	mu.Unlock()
	return ReadConfig(DefaultConfigPath)
}

func (c Config) Validate() error {
	p := c.Persistence
	if p.BucketCount <= 0 {
		return fmt.Errorf("persistence.bucket_count must be positive, got %d", p.BucketCount)
	}
	if p.QueueLimit < 0 {
		return fmt.Errorf("persistence.queue_limit must not be negative, got %d", p.QueueLimit)
	}
	switch p.QueueFullPolicy {
	case QueueFullBlock, QueueFullReject:
	default:
		return fmt.Errorf("unknown persistence.queue_full_policy %q", p.QueueFullPolicy)
	}
	switch p.Backend {
	case BackendMemory, BackendMongo:
	case BackendBadger:
		if p.BadgerDir == "" {
			return errors.New("persistence.badger_dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("unknown persistence.backend %q", p.Backend)
	}
	if p.ChunkSize <= 0 {
		return fmt.Errorf("persistence.chunk_size must be positive, got %d", p.ChunkSize)
	}
	return nil
}

func (p Persistence) CleanupEvery() time.Duration {
	return utils.ParseStringTime(p.CleanupInterval)
}

func (p Persistence) WillCheckEvery() time.Duration {
	return utils.ParseStringTime(p.WillCheckInterval)
}

func (p Persistence) SharedCacheExpiry() time.Duration {
	return utils.ParseStringTime(p.SharedCacheTTL)
}

func (d Database) OperationTimeoutDuration() time.Duration {
	return utils.ParseStringTime(d.OperationTimeout)
}

package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// 注册表后端
const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// Config 网关服务配置
type Config struct {
	Redis RedisConfig `yaml:"redis"`
	MQTT  MQTTConfig  `yaml:"mqtt"` // 上游 MQTT（遥测转发）

	// 设备接入 Broker
	Broker struct {
		Address        string `yaml:"address"`         // 监听地址，如 ":1883"
		DownlinkPrefix string `yaml:"downlink_prefix"` // 下行主题前缀，空表示主题即设备 ID
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		QueueSize      int    `yaml:"queue_size"` // 事件循环队列长度
	} `yaml:"broker"`

	Registry struct {
		Backend     string        `yaml:"backend"` // memory | redis
		LogCapacity int           `yaml:"log_capacity"`
		KeyPrefix   string        `yaml:"key_prefix"`
		RecordTTL   time.Duration `yaml:"record_ttl"`
	} `yaml:"registry"`

	// Redis Streams 遥测输出
	Stream struct {
		Enabled bool   `yaml:"enabled"`
		Name    string `yaml:"name"`
		MaxLen  int64  `yaml:"max_len"` // 0 表示不裁剪
	} `yaml:"stream"`

	// 上游 MQTT 转发
	Relay struct {
		Enabled     bool   `yaml:"enabled"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"relay"`

	// 管理 API，worker i 监听 Address 的端口 + i
	HTTP struct {
		Address   string `yaml:"address"`
		ExportDir string `yaml:"export_dir"` // 日志导出只允许写入该目录
	} `yaml:"http"`

	Supervisor struct {
		Workers        int           `yaml:"workers"`
		MaxRestarts    int           `yaml:"max_restarts"` // 0 表示不限次数
		RestartBackoff time.Duration `yaml:"restart_backoff"`
	} `yaml:"supervisor"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1884"
	cfg.MQTT.ClientID = "vita-monit"
	cfg.MQTT.QoS = 1

	cfg.Broker.Address = ":1883"
	cfg.Broker.QueueSize = 1024

	cfg.Registry.Backend = RegistryMemory
	cfg.Registry.LogCapacity = 10000
	cfg.Registry.KeyPrefix = "vita:registry:"
	cfg.Registry.RecordTTL = 24 * time.Hour

	cfg.Stream.Name = "vita:wearable:stream"
	cfg.Stream.MaxLen = 100000
	cfg.Relay.TopicPrefix = "vita/wearable"

	cfg.HTTP.Address = ":8090"
	cfg.HTTP.ExportDir = "logs"

	cfg.Supervisor.Workers = runtime.NumCPU()
	cfg.Supervisor.RestartBackoff = time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置：默认值 → YAML 文件（可选）→ 环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("VITA_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	c.Redis.LoadFromEnv("REDIS")
	c.MQTT.LoadFromEnv("MQTT")

	c.Broker.Address = getEnv("BROKER_ADDRESS", c.Broker.Address)
	c.Broker.DownlinkPrefix = getEnv("BROKER_DOWNLINK_PREFIX", c.Broker.DownlinkPrefix)
	c.Broker.Username = getEnv("BROKER_USERNAME", c.Broker.Username)
	c.Broker.Password = getEnv("BROKER_PASSWORD", c.Broker.Password)
	c.Broker.QueueSize = getEnvInt("BROKER_QUEUE_SIZE", c.Broker.QueueSize)

	c.Registry.Backend = getEnv("REGISTRY_BACKEND", c.Registry.Backend)
	c.Registry.LogCapacity = getEnvInt("REGISTRY_LOG_CAPACITY", c.Registry.LogCapacity)
	c.Registry.KeyPrefix = getEnv("REGISTRY_KEY_PREFIX", c.Registry.KeyPrefix)
	c.Registry.RecordTTL = getEnvDuration("REGISTRY_RECORD_TTL", c.Registry.RecordTTL)

	c.Stream.Enabled = getEnvBool("STREAM_ENABLED", c.Stream.Enabled)
	c.Stream.Name = getEnv("STREAM_NAME", c.Stream.Name)
	c.Stream.MaxLen = int64(getEnvInt("STREAM_MAX_LEN", int(c.Stream.MaxLen)))

	c.Relay.Enabled = getEnvBool("RELAY_ENABLED", c.Relay.Enabled)
	c.Relay.TopicPrefix = getEnv("RELAY_TOPIC_PREFIX", c.Relay.TopicPrefix)

	c.HTTP.Address = getEnv("HTTP_ADDRESS", c.HTTP.Address)
	c.HTTP.ExportDir = getEnv("HTTP_EXPORT_DIR", c.HTTP.ExportDir)

	c.Supervisor.Workers = getEnvInt("SUPERVISOR_WORKERS", c.Supervisor.Workers)
	c.Supervisor.MaxRestarts = getEnvInt("SUPERVISOR_MAX_RESTARTS", c.Supervisor.MaxRestarts)
	c.Supervisor.RestartBackoff = getEnvDuration("SUPERVISOR_RESTART_BACKOFF", c.Supervisor.RestartBackoff)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Broker.Address == "" {
		return fmt.Errorf("broker address is required")
	}
	switch c.Registry.Backend {
	case RegistryMemory, RegistryRedis:
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if c.Registry.LogCapacity <= 0 {
		return fmt.Errorf("registry log capacity must be positive, got %d", c.Registry.LogCapacity)
	}
	if c.Broker.QueueSize <= 0 {
		return fmt.Errorf("broker queue size must be positive, got %d", c.Broker.QueueSize)
	}
	if c.Supervisor.Workers <= 0 {
		return fmt.Errorf("supervisor workers must be positive, got %d", c.Supervisor.Workers)
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor max restarts must not be negative")
	}
	return nil
}

// NeedsRedis 是否需要连接 Redis
func (c *Config) NeedsRedis() bool {
	return c.Registry.Backend == RegistryRedis || c.Stream.Enabled
}

// Package config 加载服务配置：.env → YAML 文件 → 环境变量，后者覆盖前者。
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"

	SchedulerTimer = "timer"
	SchedulerRedis = "redis"
)

type Config struct {
	App     AppConfig     `yaml:"app"`
	Infra   InfraConfig   `yaml:"infra"`
	Order   OrderConfig   `yaml:"order"`
	Gateway GatewayConfig `yaml:"gateway"`
}

type AppConfig struct {
	ServiceName     string        `yaml:"serviceName"`
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"logLevel"`
	LogPretty       bool          `yaml:"logPretty"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type InfraConfig struct {
	Kafka  KafkaConfig  `yaml:"kafka"`
	MySQL  MySQLConfig  `yaml:"mysql"`
	Redis  RedisConfig  `yaml:"redis"`
	Jaeger JaegerConfig `yaml:"jaeger"`
	Nacos  NacosConfig  `yaml:"nacos"`
}

type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"`
	ConsumerGroup     string        `yaml:"consumerGroup"`
	Topics            []string      `yaml:"topics"`
	DeadLetterTopic   string        `yaml:"deadLetterTopic"`
	PublishTimeout    time.Duration `yaml:"publishTimeout"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`
	RetryBackoff      time.Duration `yaml:"retryBackoff"`
	MaxRetryBackoff   time.Duration `yaml:"maxRetryBackoff"`
}

type MySQLConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type NacosConfig struct {
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
}

// Enabled 报告是否配置了 Nacos。
func (c NacosConfig) Enabled() bool { return c.Addrs != "" }

type OrderConfig struct {
	Store                 string        `yaml:"store"`
	Scheduler             string        `yaml:"scheduler"`
	AutoConfirmDelay      time.Duration `yaml:"autoConfirmDelay"`
	AutoConfirmRule       string        `yaml:"autoConfirmRule"`
	SchedulerPollInterval time.Duration `yaml:"schedulerPollInterval"`
	MaxConflictRetries    int           `yaml:"maxConflictRetries"`
}

type GatewayConfig struct {
	OrderServiceURL      string        `yaml:"orderServiceURL"`
	UserServiceURL       string        `yaml:"userServiceURL"`
	RestaurantServiceURL string        `yaml:"restaurantServiceURL"`
	RequestTimeout       time.Duration `yaml:"requestTimeout"`
}

// 各服务的默认端口和消费组，与原有部署保持一致。
var serviceDefaults = map[string]struct {
	port  int
	group string
}{
	"order-service":        {3002, "order-group"},
	"api-gateway":          {4000, ""},
	"notification-service": {3005, "notification-group"},
	"push-gateway":         {8088, "push-gateway"},
}

// Default 返回某个服务的默认配置。
// DefaultMaxConflictRetries 是条件更新冲突时的默认重试次数。
const DefaultMaxConflictRetries = 5

func Default(service string) *Config {
	cfg := &Config{
		App: AppConfig{
			ServiceName:     service,
			Port:            8080,
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Infra: InfraConfig{
			Kafka: KafkaConfig{
				Brokers:           []string{"localhost:9092"},
				PublishTimeout:    time.Second,
				ReconnectInterval: 5 * time.Second,
				RetryBackoff:      200 * time.Millisecond,
				MaxRetryBackoff:   30 * time.Second,
			},
			MySQL: MySQLConfig{Port: 3306},
			Redis: RedisConfig{Addr: "localhost:6379"},
			Nacos: NacosConfig{Group: "DEFAULT_GROUP"},
		},
		Order: OrderConfig{
			Store:                 StoreMySQL,
			Scheduler:             SchedulerTimer,
			AutoConfirmDelay:      2 * time.Second,
			AutoConfirmRule:       "true",
			SchedulerPollInterval: time.Second,
			MaxConflictRetries:    DefaultMaxConflictRetries,
		},
		Gateway: GatewayConfig{
			OrderServiceURL:      "http://localhost:3002",
			UserServiceURL:       "http://localhost:3003",
			RestaurantServiceURL: "http://localhost:3001",
			RequestTimeout:       5 * time.Second,
		},
	}
	if d, ok := serviceDefaults[service]; ok {
		cfg.App.Port = d.port
		cfg.Infra.Kafka.ConsumerGroup = d.group
	}
	return cfg
}

// FromEnvironment 读取 .env（若存在）和 CONFIG_FILE 指向的 YAML，再应用进程环境变量。
func FromEnvironment(service string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Load(service, os.Getenv("CONFIG_FILE"), os.LookupEnv)
}

type envLookup func(string) (string, bool)

// Load 是纯函数版本的加载逻辑，便于测试。
func Load(service, path string, lookup envLookup) (*Config, error) {
	cfg := Default(service)

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg, lookup)

	if cfg.Infra.MySQL.DSN == "" && cfg.Infra.MySQL.Host != "" {
		cfg.Infra.MySQL.DSN = cfg.Infra.MySQL.FormatDSN()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FormatDSN 用 go-sql-driver 的配置结构拼出 DSN，避免手写转义。
func (c MySQLConfig) FormatDSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

func applyEnv(cfg *Config, lookup envLookup) {
	cfg.App.Port = getInt(lookup, "PORT", cfg.App.Port)
	cfg.App.LogLevel = getString(lookup, "LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogPretty = getBool(lookup, "LOG_PRETTY", cfg.App.LogPretty)
	cfg.App.ShutdownTimeout = getDuration(lookup, "SHUTDOWN_TIMEOUT", cfg.App.ShutdownTimeout)

	k := &cfg.Infra.Kafka
	k.Brokers = getList(lookup, "KAFKA_BROKERS", k.Brokers)
	k.ConsumerGroup = getString(lookup, "KAFKA_CONSUMER_GROUP", k.ConsumerGroup)
	k.Topics = getList(lookup, "KAFKA_TOPICS", k.Topics)
	k.DeadLetterTopic = getString(lookup, "KAFKA_DLT_TOPIC", k.DeadLetterTopic)
	k.PublishTimeout = getDuration(lookup, "KAFKA_PUBLISH_TIMEOUT", k.PublishTimeout)
	k.ReconnectInterval = getDuration(lookup, "KAFKA_RECONNECT_INTERVAL", k.ReconnectInterval)

	m := &cfg.Infra.MySQL
	m.DSN = getString(lookup, "MYSQL_DSN", m.DSN)
	m.Host = getString(lookup, "MYSQL_HOST", m.Host)
	m.Port = getInt(lookup, "MYSQL_PORT", m.Port)
	m.User = getString(lookup, "MYSQL_USER", m.User)
	m.Password = getString(lookup, "MYSQL_PASSWORD", m.Password)
	m.Database = getString(lookup, "MYSQL_DATABASE", m.Database)

	cfg.Infra.Redis.Addr = getString(lookup, "REDIS_ADDR", cfg.Infra.Redis.Addr)
	cfg.Infra.Redis.Password = getString(lookup, "REDIS_PASSWORD", cfg.Infra.Redis.Password)
	cfg.Infra.Jaeger.Endpoint = getString(lookup, "JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)

	n := &cfg.Infra.Nacos
	n.Addrs = getString(lookup, "NACOS_SERVER_ADDRS", n.Addrs)
	n.Namespace = getString(lookup, "NACOS_NAMESPACE", n.Namespace)
	n.Group = getString(lookup, "NACOS_GROUP", n.Group)

	o := &cfg.Order
	o.Store = getString(lookup, "ORDER_STORE", o.Store)
	o.Scheduler = getString(lookup, "ORDER_SCHEDULER", o.Scheduler)
	o.AutoConfirmDelay = getDuration(lookup, "AUTO_CONFIRM_DELAY", o.AutoConfirmDelay)
	o.AutoConfirmRule = getString(lookup, "AUTO_CONFIRM_RULE", o.AutoConfirmRule)
	o.MaxConflictRetries = getInt(lookup, "ORDER_MAX_CONFLICT_RETRIES", o.MaxConflictRetries)

	g := &cfg.Gateway
	g.OrderServiceURL = getString(lookup, "ORDER_SERVICE_BASE_URL", g.OrderServiceURL)
	g.UserServiceURL = getString(lookup, "USER_SERVICE_BASE_URL", g.UserServiceURL)
	g.RestaurantServiceURL = getString(lookup, "RESTAURANT_SERVICE_BASE_URL", g.RestaurantServiceURL)
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.App.Port)
	}
	if len(c.Infra.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker must be configured")
	}
	switch c.Order.Store {
	case StoreMySQL, StoreMemory:
	default:
		return fmt.Errorf("unknown order store %q", c.Order.Store)
	}
	switch c.Order.Scheduler {
	case SchedulerTimer, SchedulerRedis:
	default:
		return fmt.Errorf("unknown order scheduler %q", c.Order.Scheduler)
	}
	if c.Order.AutoConfirmDelay < 0 {
		return fmt.Errorf("auto confirm delay must not be negative")
	}
	if c.Order.MaxConflictRetries < 1 {
		return fmt.Errorf("max conflict retries must be at least 1, got %d", c.Order.MaxConflictRetries)
	}
	return nil
}

func getString(lookup envLookup, key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(lookup envLookup, key string, def int) int {
	if v, ok := lookup(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(lookup envLookup, key string, def bool) bool {
	if v, ok := lookup(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(lookup envLookup, key string, def time.Duration) time.Duration {
	if v, ok := lookup(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getList(lookup envLookup, key string, def []string) []string {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig     `mapstructure:"server"`
	Log      LogConfig        `mapstructure:"log"`
	MySQL    MySQLConfig      `mapstructure:"mysql"`
	Redis    RedisConfig      `mapstructure:"redis"`
	Kafka    KafkaConfig      `mapstructure:"kafka"`
	Razorpay RazorpayConfig   `mapstructure:"razorpay"`
	Business BusinessConfig   `mapstructure:"business"`
	Plans    []PlanConfig     `mapstructure:"plans"`
	Features map[string]int64 `mapstructure:"features"`
}

type ServerConfig struct {
	Port   int   `mapstructure:"port"`
	NodeID int64 `mapstructure:"node_id"` // 雪花算法节点号，多实例部署时各不相同
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// RazorpayConfig 支付渠道配置
type RazorpayConfig struct {
	KeyID          string `mapstructure:"key_id"`
	KeySecret      string `mapstructure:"key_secret"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (c RazorpayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type BusinessConfig struct {
	OrderReuseMinutes        int  `mapstructure:"order_reuse_minutes"`
	PendingOrderGraceMinutes int  `mapstructure:"pending_order_grace_minutes"`
	OrderAbandonHours        int  `mapstructure:"order_abandon_hours"`
	ReconcileIntervalSeconds int  `mapstructure:"reconcile_interval_seconds"`
	MaxRetryCount            int  `mapstructure:"max_retry_count"`
	AuditFailedConsumption   bool `mapstructure:"audit_failed_consumption"`
}

// OrderReuseWindow 未支付订单的复用窗口
func (b BusinessConfig) OrderReuseWindow() time.Duration {
	return time.Duration(b.OrderReuseMinutes) * time.Minute
}

func (b BusinessConfig) PendingOrderGrace() time.Duration {
	return time.Duration(b.PendingOrderGraceMinutes) * time.Minute
}

func (b BusinessConfig) OrderAbandonAfter() time.Duration {
	return time.Duration(b.OrderAbandonHours) * time.Hour
}

func (b BusinessConfig) ReconcileInterval() time.Duration {
	return time.Duration(b.ReconcileIntervalSeconds) * time.Second
}

// PlanConfig 可购买的积分套餐
type PlanConfig struct {
	ID              string `mapstructure:"id"`
	Name            string `mapstructure:"name"`
	Credits         int64  `mapstructure:"credits"`
	PriceMinorUnits int64  `mapstructure:"price_minor_units"`
	Currency        string `mapstructure:"currency"`
}

var GlobalConfig *Config

// Default 仅包含默认值的配置（测试与本地调试使用）
func Default() *Config {
	v := newViper()
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load 读取配置文件，环境变量 CREDITLEDGER_* 可覆盖同名配置项
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	GlobalConfig = cfg
	return cfg
}

func (c *Config) Validate() error {
	if c.Business.OrderReuseMinutes <= 0 {
		return fmt.Errorf("business.order_reuse_minutes must be positive, got %d", c.Business.OrderReuseMinutes)
	}
	if c.Kafka.Topic.LedgerEvents == "" {
		return fmt.Errorf("kafka.topic.ledger_events is required")
	}
	for name, cost := range c.Features {
		if cost <= 0 {
			return fmt.Errorf("feature %q must cost at least one credit", name)
		}
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.node_id", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "credit_ledger")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.ledger_events", "credit_ledger_events")
	v.SetDefault("razorpay.key_id", "")
	v.SetDefault("razorpay.key_secret", "")
	v.SetDefault("razorpay.webhook_secret", "")
	v.SetDefault("razorpay.timeout_seconds", 10)
	v.SetDefault("business.order_reuse_minutes", 15)
	v.SetDefault("business.pending_order_grace_minutes", 5)
	v.SetDefault("business.order_abandon_hours", 24)
	v.SetDefault("business.reconcile_interval_seconds", 60)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.audit_failed_consumption", true)
	v.SetDefault("features", map[string]int64{
		"seo_title":        1,
		"meta_description": 1,
		"image_alt_text":   1,
		"article_outline":  2,
		"full_article":     5,
	})
	return v
}

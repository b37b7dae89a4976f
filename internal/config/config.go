package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Storage        StorageConfig        `mapstructure:"storage"`
	MySQL          MySQLConfig          `mapstructure:"mysql"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	PayPal         PayPalConfig         `mapstructure:"paypal"`
	Client         ClientConfig         `mapstructure:"client"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Business       BusinessConfig       `mapstructure:"business"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

const (
	StorageMySQL  = "mysql"
	StorageMemory = "memory"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
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
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	CoinsCredited string `mapstructure:"coins_credited"`
	ItemPurchased string `mapstructure:"item_purchased"`
}

// PayPalConfig 支付网关配置
type PayPalConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	ClientID           string        `mapstructure:"client_id"`
	ClientSecret       string        `mapstructure:"client_secret"`
	WebhookID          string        `mapstructure:"webhook_id"`
	Currency           string        `mapstructure:"currency"`
	BrandName          string        `mapstructure:"brand_name"`
	Timeout            time.Duration `mapstructure:"timeout"`
	TokenRefreshMargin time.Duration `mapstructure:"token_refresh_margin"` // 提前刷新 token 的时间
	CertHostSuffixes   []string      `mapstructure:"cert_host_suffixes"`   // 允许下载签名证书的域名
	AllowInsecureCert  bool          `mapstructure:"allow_insecure_cert"`  // 仅测试环境使用 http 证书地址
}

type ClientConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type CircuitBreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

type BusinessConfig struct {
	MaxRetryCount       int           `mapstructure:"max_retry_count"`
	InitialCoinBalance  int64         `mapstructure:"initial_coin_balance"`
	DefaultItemPrice    int64         `mapstructure:"default_item_price"`
	MaxCoinAmount       int64         `mapstructure:"max_coin_amount"` // 单笔订单最多购买的硬币数
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	ReconcileAfter      time.Duration `mapstructure:"reconcile_after"`
	SessionCookieMaxAge time.Duration `mapstructure:"session_cookie_max_age"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.driver", StorageMySQL)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "coinledger")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.coins_credited", "successful_payments")
	v.SetDefault("kafka.topic.item_purchased", "item_purchased")

	v.SetDefault("paypal.base_url", "https://api-m.sandbox.paypal.com")
	v.SetDefault("paypal.client_id", "")
	v.SetDefault("paypal.client_secret", "")
	v.SetDefault("paypal.webhook_id", "")
	v.SetDefault("paypal.currency", "USD")
	v.SetDefault("paypal.brand_name", "Mythoria.com")
	v.SetDefault("paypal.timeout", 15*time.Second)
	v.SetDefault("paypal.token_refresh_margin", 5*time.Minute)
	v.SetDefault("paypal.cert_host_suffixes", []string{".paypal.com"})
	v.SetDefault("paypal.allow_insecure_cert", false)

	v.SetDefault("client.base_url", "http://localhost:3001")

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.max_requests", 3)
	v.SetDefault("circuit_breaker.interval", 60*time.Second)
	v.SetDefault("circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("circuit_breaker.consecutive_failures", 5)

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.initial_coin_balance", 50)
	v.SetDefault("business.default_item_price", 20)
	v.SetDefault("business.max_coin_amount", 1000000)
	v.SetDefault("business.reconcile_interval", time.Minute)
	v.SetDefault("business.reconcile_after", 10*time.Minute)
	v.SetDefault("business.session_cookie_max_age", 30*24*time.Hour)
}

// Load 读取配置文件，环境变量优先级高于文件（如 PAYPAL_CLIENT_SECRET）
// 配置文件不存在时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	// .env 不存在不是错误
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("读取配置文件失败: %w", err)
				}
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 启动时校验，配置错误直接失败
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMySQL, StorageMemory:
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Business.InitialCoinBalance < 0 {
		return errors.New("business.initial_coin_balance 不能为负数")
	}
	if c.Business.DefaultItemPrice <= 0 {
		return errors.New("business.default_item_price 必须大于0")
	}
	if c.Business.MaxCoinAmount <= 0 {
		return errors.New("business.max_coin_amount 必须大于0")
	}
	if c.PayPal.Timeout <= 0 {
		return errors.New("paypal.timeout 必须大于0")
	}
	return nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	config, err := Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("加载配置失败")
	}

	GlobalConfig = config
	return config
}

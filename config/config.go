package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Rotating  RotatingConfig  `mapstructure:"rotating"`
	Location  LocationConfig  `mapstructure:"location"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port           int        `mapstructure:"port"`
	BodyLimitBytes int64      `mapstructure:"body_limit_bytes"`
	CORS           CORSConfig `mapstructure:"cors"`
	// TrustedProxies 允许改写客户端 IP 的反向代理网段；为空时只认 TCP 对端地址
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowOrigins []string      `mapstructure:"allow_origins"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

// DatabaseConfig 数据库配置（postgres 为生产驱动，sqlite 用于本地开发）
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"sslmode"`
	Timezone        string `mapstructure:"timezone"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 连接最大生命周期（分钟）
}

// DSN 生成 PostgreSQL 连接字符串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode, c.Timezone,
	)
}

// RedisConfig Redis 配置（限流 + 多实例事件广播）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig JWT 认证配置
type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

// ChainConfig 接力链令牌配置
type ChainConfig struct {
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
	RecoveryTokenTTL   time.Duration `mapstructure:"recovery_token_ttl"` // set-holder 人工指定持有人时签发令牌的有效期
	StallThreshold     time.Duration `mapstructure:"stall_threshold"`
	StallCheckInterval time.Duration `mapstructure:"stall_check_interval"`
}

// RotatingConfig 轮换二维码（迟到 / 早退）配置
type RotatingConfig struct {
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// LocationConfig 位置约束策略
type LocationConfig struct {
	// ExitSoft 为 true 时，离场阶段的位置校验失败一律降级为警告
	ExitSoft bool `mapstructure:"exit_soft"`
	// EntrySoftOverride 为 true 时，入场阶段同样只记录警告
	EntrySoftOverride bool `mapstructure:"entry_soft_override"`
}

// RateLimitConfig 扫码限流配置
type RateLimitConfig struct {
	ScanLimit  int           `mapstructure:"scan_limit"`
	ScanWindow time.Duration `mapstructure:"scan_window"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string   `mapstructure:"level"`
	Format string   `mapstructure:"format"`
	Output []string `mapstructure:"output"` // zap 输出路径，默认 stdout
}

// Load 从配置文件与环境变量加载配置
// 优先级：环境变量 > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	v := viper.New()

	// ── 默认值 ──
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.body_limit_bytes", 1<<20)
	v.SetDefault("server.cors.allow_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.cors.max_age", 12*time.Hour)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.sqlite_path", "baton.db")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "baton")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", 60)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "") // 占位使 BATON_AUTH_JWT_SECRET 参与 Unmarshal
	v.SetDefault("auth.access_token_ttl", "2h")

	v.SetDefault("chain.token_ttl", "20s")
	v.SetDefault("chain.recovery_token_ttl", "20s")
	v.SetDefault("chain.stall_threshold", "60s")
	v.SetDefault("chain.stall_check_interval", "5s")

	v.SetDefault("rotating.token_ttl", "60s")
	v.SetDefault("rotating.refresh_interval", "55s")

	v.SetDefault("location.exit_soft", true)
	v.SetDefault("location.entry_soft_override", false)

	v.SetDefault("rate_limit.scan_limit", 30)
	v.SetDefault("rate_limit.scan_window", "1m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", []string{"stdout"})

	// ── 配置文件 ──
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// ── 环境变量 ──
	v.SetEnvPrefix("BATON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件不存在时仅依赖默认值和环境变量
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验关键配置项
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("配置校验失败: auth.jwt_secret 不能为空")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("配置校验失败: auth.jwt_secret 长度不能少于 16 字符")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("配置校验失败: server.port 必须在 1-65535 之间")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("配置校验失败: db.driver 仅支持 postgres / sqlite，当前为 %q", c.Database.Driver)
	}
	if c.Chain.TokenTTL <= 0 || c.Chain.RecoveryTokenTTL <= 0 {
		return fmt.Errorf("配置校验失败: chain.token_ttl / chain.recovery_token_ttl 必须大于 0")
	}
	if c.Chain.StallThreshold <= c.Chain.TokenTTL {
		return fmt.Errorf("配置校验失败: chain.stall_threshold 必须大于 chain.token_ttl")
	}
	if c.Chain.StallCheckInterval <= 0 {
		return fmt.Errorf("配置校验失败: chain.stall_check_interval 必须大于 0")
	}
	if c.Rotating.TokenTTL <= 0 || c.Rotating.RefreshInterval <= 0 {
		return fmt.Errorf("配置校验失败: rotating.token_ttl / rotating.refresh_interval 必须大于 0")
	}
	// 刷新必须早于过期，否则投影二维码会出现空窗
	if c.Rotating.RefreshInterval >= c.Rotating.TokenTTL {
		return fmt.Errorf("配置校验失败: rotating.refresh_interval 必须小于 rotating.token_ttl")
	}
	if c.RateLimit.ScanLimit <= 0 || c.RateLimit.ScanWindow <= 0 {
		return fmt.Errorf("配置校验失败: rate_limit.scan_limit / rate_limit.scan_window 必须大于 0")
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef-test"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BATON_AUTH_JWT_SECRET", testSecret)

	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}

	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("环境变量应覆盖 jwt_secret，实际 %q", cfg.Auth.JWTSecret)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("配置文件应覆盖 log.level，实际 %q", cfg.Log.Level)
	}
	if cfg.Chain.TokenTTL != 20*time.Second {
		t.Errorf("chain.token_ttl 默认应为 20s，实际 %v", cfg.Chain.TokenTTL)
	}
	if cfg.Chain.StallThreshold != 60*time.Second {
		t.Errorf("chain.stall_threshold 默认应为 60s，实际 %v", cfg.Chain.StallThreshold)
	}
	if cfg.Rotating.TokenTTL != 60*time.Second || cfg.Rotating.RefreshInterval != 55*time.Second {
		t.Errorf("轮换默认值不符: %+v", cfg.Rotating)
	}
	if !cfg.Location.ExitSoft || cfg.Location.EntrySoftOverride {
		t.Errorf("位置策略默认值不符: %+v", cfg.Location)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("db.driver 默认应为 postgres，实际 %q", cfg.Database.Driver)
	}
	if len(cfg.Server.TrustedProxies) != 0 {
		t.Errorf("server.trusted_proxies 默认应为空，实际 %v", cfg.Server.TrustedProxies)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	t.Setenv("BATON_AUTH_JWT_SECRET", testSecret)

	path := writeConfig(t, strings.Join([]string{
		"db:",
		"  driver: sqlite",
		"chain:",
		"  recovery_token_ttl: 40s",
		"location:",
		"  exit_soft: false",
		"server:",
		"  trusted_proxies:",
		"    - 10.0.0.0/8",
	}, "\n"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("期望 sqlite，实际 %q", cfg.Database.Driver)
	}
	if cfg.Chain.RecoveryTokenTTL != 40*time.Second {
		t.Errorf("期望 recovery_token_ttl=40s，实际 %v", cfg.Chain.RecoveryTokenTTL)
	}
	if cfg.Location.ExitSoft {
		t.Error("exit_soft 应被关闭")
	}
	if len(cfg.Server.TrustedProxies) != 1 || cfg.Server.TrustedProxies[0] != "10.0.0.0/8" {
		t.Errorf("trusted_proxies 应来自配置文件，实际 %v", cfg.Server.TrustedProxies)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("BATON_AUTH_JWT_SECRET", "")

	if _, err := Load(writeConfig(t, "log:\n  level: info\n")); err == nil {
		t.Fatal("缺少 jwt_secret 时应返回错误")
	}
}

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "postgres"},
		Auth:     AuthConfig{JWTSecret: testSecret},
		Chain: ChainConfig{
			TokenTTL:           20 * time.Second,
			RecoveryTokenTTL:   20 * time.Second,
			StallThreshold:     60 * time.Second,
			StallCheckInterval: 5 * time.Second,
		},
		Rotating:  RotatingConfig{TokenTTL: 60 * time.Second, RefreshInterval: 55 * time.Second},
		RateLimit: RateLimitConfig{ScanLimit: 30, ScanWindow: time.Minute},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"合法配置", func(c *Config) {}, ""},
		{"密钥过短", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"端口越界", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"未知驱动", func(c *Config) { c.Database.Driver = "mysql" }, "db.driver"},
		{"恢复令牌有效期为 0", func(c *Config) { c.Chain.RecoveryTokenTTL = 0 }, "recovery_token_ttl"},
		{"停滞阈值不大于令牌有效期", func(c *Config) { c.Chain.StallThreshold = 20 * time.Second }, "stall_threshold"},
		{"检测间隔为 0", func(c *Config) { c.Chain.StallCheckInterval = 0 }, "stall_check_interval"},
		{"刷新间隔不小于有效期", func(c *Config) { c.Rotating.RefreshInterval = 60 * time.Second }, "refresh_interval"},
		{"限流关闭", func(c *Config) { c.RateLimit.ScanLimit = 0 }, "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("期望通过，得到: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("期望包含 %q 的错误，得到: %v", tt.wantErr, err)
			}
		})
	}
}

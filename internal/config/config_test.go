package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	// Set some test environment variables
	if err := os.Setenv("SERVER_PORT", "9090"); err != nil {
		t.Fatalf("Failed to set SERVER_PORT: %v", err)
	}
	if err := os.Setenv("POSTGRES_HOST", "testhost"); err != nil {
		t.Fatalf("Failed to set POSTGRES_HOST: %v", err)
	}
	if err := os.Setenv("SETTLEMENT_CONFIRM_TIMEOUT", "30s"); err != nil {
		t.Fatalf("Failed to set SETTLEMENT_CONFIRM_TIMEOUT: %v", err)
	}
	if err := os.Setenv("CHAIN_RPC_URLS", "https://a.example, https://b.example,"); err != nil {
		t.Fatalf("Failed to set CHAIN_RPC_URLS: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("SERVER_PORT")
		_ = os.Unsetenv("POSTGRES_HOST")
		_ = os.Unsetenv("SETTLEMENT_CONFIRM_TIMEOUT")
		_ = os.Unsetenv("CHAIN_RPC_URLS")
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Settlement.ConfirmTimeout != 30*time.Second {
		t.Errorf("Settlement.ConfirmTimeout = %v, want %v", cfg.Settlement.ConfirmTimeout, 30*time.Second)
	}

	if len(cfg.Chain.RPCURLs) != 2 || cfg.Chain.RPCURLs[1] != "https://b.example" {
		t.Errorf("Chain.RPCURLs = %v", cfg.Chain.RPCURLs)
	}

	if cfg.Settlement.MaxRetries != 3 {
		t.Errorf("Settlement.MaxRetries = %v, want 3", cfg.Settlement.MaxRetries)
	}

	if cfg.Reward.SelfEngagementCheck != "either" || !cfg.Reward.RewardFollowsWithoutCast {
		t.Errorf("unexpected reward policy defaults: %+v", cfg.Reward)
	}

	if len(cfg.Tokens) != 1 || cfg.Tokens[0].Symbol != "USDC" || cfg.Tokens[0].Decimals != 6 {
		t.Errorf("Tokens = %+v", cfg.Tokens)
	}
}

func TestLoadConfig_InvalidChainMode(t *testing.T) {
	if err := os.Setenv("CHAIN_MODE", "mainnet"); err != nil {
		t.Fatalf("Failed to set CHAIN_MODE: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("CHAIN_MODE")
	}()

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() expected error for invalid CHAIN_MODE")
	}
}

func TestLoadConfig_LockTTLMustOutliveConfirmTimeout(t *testing.T) {
	tests := []struct {
		name    string
		lockTTL string
		timeout string
		wantErr bool
	}{
		{"defaults", "", "", false},
		{"lock longer than wait", "5m", "2m", false},
		{"lock equal to wait", "2m", "2m", true},
		{"lock shorter than wait", "30s", "2m", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SETTLEMENT_LOCK_TTL", tt.lockTTL)
			t.Setenv("SETTLEMENT_CONFIRM_TIMEOUT", tt.timeout)

			_, err := LoadConfig()
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseTokens(t *testing.T) {
	tokens, err := parseTokens("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD:TIP:18, 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913:USDC:6")
	if err != nil {
		t.Fatalf("parseTokens() error = %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("len(tokens) = %d, want 2", len(tokens))
	}
	if tokens[0].Address != "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd" {
		t.Errorf("address not lowercased: %s", tokens[0].Address)
	}
	if tokens[1].Decimals != 6 {
		t.Errorf("Decimals = %d, want 6", tokens[1].Decimals)
	}

	for _, bad := range []string{"0xabc:USDC", "0xabc:USDC:x", "0xabc:USDC:99"} {
		if _, err := parseTokens(bad); err == nil {
			t.Errorf("parseTokens(%q) expected error", bad)
		}
	}
}

func TestGetEnvAsBool(t *testing.T) {
	if err := os.Setenv("TEST_BOOL", "false"); err != nil {
		t.Fatalf("Failed to set env var: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("TEST_BOOL")
	}()

	if getEnvAsBool("TEST_BOOL", true) {
		t.Error("getEnvAsBool() = true, want false")
	}
	if !getEnvAsBool("TEST_BOOL_NOTSET", true) {
		t.Error("getEnvAsBool() should return default when not set")
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns integer when valid",
			key:          "TEST_INT",
			defaultValue: 100,
			envValue:     "200",
			want:         200,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_INT_INVALID",
			defaultValue: 100,
			envValue:     "invalid",
			want:         100,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOTSET",
			defaultValue: 100,
			envValue:     "",
			want:         100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns duration when valid",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_DURATION_INVALID",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DURATION_NOTSET",
			defaultValue: 10 * time.Second,
			envValue:     "",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

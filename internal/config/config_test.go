package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/bardlex/gomp-miner/internal/mining"
	"github.com/bardlex/gomp-miner/internal/settings"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":                 "test-miner",
				"MINING_CPU_CORES":             "2",
				"MINING_SCHEDULE_POLICY":       "random",
				"MINING_HASH_ALGORITHM":        "sha256d",
				"MINING_ALTERNATE_PROBABILITY": "25",
			},
			wantErr: false,
		},
		{
			name:    "zero cores",
			envVars: map[string]string{"MINING_CPU_CORES": "0"},
			wantErr: true,
		},
		{
			name:    "unknown policy",
			envVars: map[string]string{"MINING_SCHEDULE_POLICY": "roundrobin"},
			wantErr: true,
		},
		{
			name:    "unknown hash algorithm",
			envVars: map[string]string{"MINING_HASH_ALGORITHM": "scrypt"},
			wantErr: true,
		},
		{
			name:    "probability out of range",
			envVars: map[string]string{"MINING_ALTERNATE_PROBABILITY": "101"},
			wantErr: true,
		},
		{
			name:    "malformed default pool",
			envVars: map[string]string{"DEFAULT_POOLS": "good.example.com:3333,bad"},
			wantErr: true,
		},
		{
			name:    "redis settings without url",
			envVars: map[string]string{"SETTINGS_BACKEND": "redis"},
			wantErr: true,
		},
		{
			name: "redis settings",
			envVars: map[string]string{
				"SETTINGS_BACKEND": "redis",
				"REDIS_URL":        "redis://localhost:6379/0",
			},
			wantErr: false,
		},
		{
			name:    "unknown settings backend",
			envVars: map[string]string{"SETTINGS_BACKEND": "etcd"},
			wantErr: true,
		},
		{
			name:    "influx without token",
			envVars: map[string]string{"INFLUX_URL": "http://localhost:8086"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if cfg.CPUCoreCount < 1 {
					t.Error("CPUCoreCount should be positive")
				}
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.SchedulePolicy != "failover" || cfg.Policy() != mining.PolicyFailover {
		t.Errorf("SchedulePolicy = %q", cfg.SchedulePolicy)
	}
	if cfg.HashAlgorithm != mining.HashKeccak {
		t.Errorf("HashAlgorithm = %q", cfg.HashAlgorithm)
	}
	if cfg.HashRateInterval != time.Second {
		t.Errorf("HashRateInterval = %v", cfg.HashRateInterval)
	}
	if !reflect.DeepEqual(cfg.DefaultPools, settings.DefaultPools) {
		t.Errorf("DefaultPools = %v", cfg.DefaultPools)
	}
	if cfg.SettingsBackend != SettingsBackendFile || cfg.SettingsPath == "" {
		t.Errorf("settings = %s %q", cfg.SettingsBackend, cfg.SettingsPath)
	}
	if cfg.CPUCoreCount != DefaultCPUCoreCount() {
		t.Errorf("CPUCoreCount = %d, want %d", cfg.CPUCoreCount, DefaultCPUCoreCount())
	}
	if len(cfg.KafkaBrokers) != 0 || cfg.RedisURL != "" || cfg.APIListenAddr != "" {
		t.Error("optional backends should be disabled by default")
	}
	if cfg.PoolReconnectDelay != 5*time.Second || cfg.PoolKeepAliveInterval != time.Minute {
		t.Errorf("pool timing = %v / %v", cfg.PoolReconnectDelay, cfg.PoolKeepAliveInterval)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_DURATION", "1m30s")
	t.Setenv("TEST_SLICE", " a:1 , b:2,,c:3 ")

	if got := getEnv("TEST_STRING", "default"); got != "value" {
		t.Errorf("getEnv() = %v, want value", got)
	}
	if got := getEnv("TEST_MISSING", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() = %v, want fallback 7", got)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 1m30s", got)
	}
	if got := getEnvSlice("TEST_SLICE", nil); !reflect.DeepEqual(got, []string{"a:1", "b:2", "c:3"}) {
		t.Errorf("getEnvSlice() = %v", got)
	}
	if got := getEnvSlice("TEST_MISSING", []string{"x"}); !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("getEnvSlice() = %v, want default", got)
	}
}

package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestAverageSamples(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   float64
	}{
		{name: "empty", values: nil, want: 0},
		{name: "single", values: []string{"1700000000000000000:120.5"}, want: 120.5},
		{name: "equal rates", values: []string{"1:100", "2:100"}, want: 100},
		{name: "mixed", values: []string{"1:100", "2:300"}, want: 200},
		{name: "malformed skipped", values: []string{"garbage", "1:x", "2:50"}, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := averageSamples(tt.values); got != tt.want {
				t.Errorf("averageSamples() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigFromURL(t *testing.T) {
	cfg, err := ConfigFromURL("redis://:secret@cache.local:6380/2")
	if err != nil {
		t.Fatalf("ConfigFromURL() error = %v", err)
	}
	if cfg.Addr != "cache.local:6380" || cfg.Password != "secret" || cfg.DB != 2 {
		t.Errorf("ConfigFromURL() = %+v", cfg)
	}

	if _, err := ConfigFromURL("http://nope"); err == nil {
		t.Error("ConfigFromURL() accepted a non-redis URL")
	}
}

func TestClientIntegration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if testing.Short() || url == "" {
		t.Skip("set REDIS_URL to run against a Redis server")
	}

	cfg, err := ConfigFromURL(url)
	if err != nil {
		t.Fatalf("ConfigFromURL() error = %v", err)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := "test-" + time.Now().Format("150405.000000")
	var missing map[string]any
	if err := c.GetSettings(ctx, name, &missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSettings() on empty key error = %v, want ErrNotFound", err)
	}

	in := map[string]any{"pools": []string{"pool.example.com:3333"}}
	if err := c.SetSettings(ctx, name, in); err != nil {
		t.Fatalf("SetSettings() error = %v", err)
	}
	var out map[string]any
	if err := c.GetSettings(ctx, name, &out); err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if pools, ok := out["pools"].([]any); !ok || len(pools) != 1 {
		t.Errorf("GetSettings() = %v", out)
	}

	if err := c.AddHashrate(ctx, name, 100, time.Minute); err != nil {
		t.Fatalf("AddHashrate() error = %v", err)
	}
	if err := c.AddHashrate(ctx, name, 100, time.Minute); err != nil {
		t.Fatalf("AddHashrate() error = %v", err)
	}
	avg, err := c.GetAverageHashrate(ctx, name, time.Minute)
	if err != nil {
		t.Fatalf("GetAverageHashrate() error = %v", err)
	}
	if avg != 100 {
		t.Errorf("GetAverageHashrate() = %v, want 100", avg)
	}
}

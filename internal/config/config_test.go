package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.GateQuota != 8 || cfg.GateWindow != time.Minute {
		t.Fatalf("unexpected gate defaults: quota=%d window=%s", cfg.GateQuota, cfg.GateWindow)
	}
	if cfg.BreakerFailureThreshold != 5 || cfg.BreakerRecoveryTimeout != time.Minute || cfg.BreakerHalfOpenMaxCalls != 3 {
		t.Fatalf("unexpected breaker defaults: %+v", cfg)
	}
	if cfg.ProgressTTL != 600*time.Second {
		t.Fatalf("expected progress ttl 600s, got %s", cfg.ProgressTTL)
	}
	if cfg.GateWindow < cfg.VisibilityTimeout {
		t.Fatalf("gate window %s shorter than visibility timeout %s", cfg.GateWindow, cfg.VisibilityTimeout)
	}
	if !cfg.BreakerShared {
		t.Fatalf("breaker state should be shared through redis by default")
	}
	if cfg.QueueName != "grading" {
		t.Fatalf("expected queue name grading, got %q", cfg.QueueName)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate in dev: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GATE_QUOTA", "3")
	t.Setenv("GATE_WINDOW", "10s")
	t.Setenv("BREAKER_SHARED", "false")
	t.Setenv("ADMIN_API_KEYS", " a , ,b ")
	t.Setenv("SUBMIT_RATE_REFILL_PER_SEC", "2.5")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg := Load()
	if cfg.GateQuota != 3 || cfg.GateWindow != 10*time.Second {
		t.Fatalf("gate env not applied: quota=%d window=%s", cfg.GateQuota, cfg.GateWindow)
	}
	if cfg.BreakerShared {
		t.Fatalf("expected BREAKER_SHARED=false to select the in-process breaker")
	}
	if len(cfg.AdminAPIKeys) != 2 || cfg.AdminAPIKeys[0] != "a" || cfg.AdminAPIKeys[1] != "b" {
		t.Fatalf("unexpected admin keys %v", cfg.AdminAPIKeys)
	}
	if cfg.SubmitRateRefill != 2.5 {
		t.Fatalf("expected refill 2.5, got %v", cfg.SubmitRateRefill)
	}
	if cfg.WorkerConcurrency != 1 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.WorkerConcurrency)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero quota", func(c *Config) { c.GateQuota = 0 }, "GATE_QUOTA"},
		{"window shorter than lease", func(c *Config) { c.GateWindow = 30 * time.Second; c.VisibilityTimeout = 90 * time.Second }, "GATE_WINDOW"},
		{"window equal to lease", func(c *Config) { c.GateWindow = time.Minute; c.VisibilityTimeout = time.Minute }, ""},
		{"zero threshold", func(c *Config) { c.BreakerFailureThreshold = 0 }, "BREAKER_FAILURE_THRESHOLD"},
		{"zero half open", func(c *Config) { c.BreakerHalfOpenMaxCalls = 0 }, "BREAKER_HALF_OPEN_MAX_CALLS"},
		{"bad driver", func(c *Config) { c.StoreDriver = "mysql" }, "STORE_DRIVER"},
		{"grader required in prod", func(c *Config) { c.Env = "prod"; c.GraderURL = "" }, "GRADER_URL"},
		{"ok in prod", func(c *Config) { c.Env = "prod"; c.GraderURL = "http://grader" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

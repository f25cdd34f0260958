package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agora/internal/config"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGORA_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8719" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Heartbeat.IntervalSeconds != 120 {
		t.Errorf("IntervalSeconds = %d", cfg.Heartbeat.IntervalSeconds)
	}
	if cfg.Heartbeat.ListingLimit != 20 || cfg.Heartbeat.MessageLimit != 10 {
		t.Errorf("context limits = %d/%d", cfg.Heartbeat.ListingLimit, cfg.Heartbeat.MessageLimit)
	}
	if cfg.House.CreditCents != 500 {
		t.Errorf("CreditCents = %d", cfg.House.CreditCents)
	}
	if cfg.Market.ReviewDeadlineHours != 72 {
		t.Errorf("ReviewDeadlineHours = %d", cfg.Market.ReviewDeadlineHours)
	}
	if cfg.Sweeper.Schedule != "*/5 * * * *" {
		t.Errorf("Schedule = %q", cfg.Sweeper.Schedule)
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry enabled by default")
	}
	if cfg.Telemetry.Exporter != "stdout" || cfg.Telemetry.SampleRate != 1.0 {
		t.Errorf("telemetry defaults = %+v", cfg.Telemetry)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGORA_HOME", dir)
	writeConfig(t, dir, `
bind_addr: "0.0.0.0:9000"
heartbeat:
  interval_seconds: 30
  workers: 2
house:
  agents: ["11111111-1111-1111-1111-111111111111"]
  credit_cents: 1000
agents:
  - agent_id: "11111111-1111-1111-1111-111111111111"
    name: "Atlas"
    personality: "conservative"
    wallet_ref: "wallet-atlas"
    wallet_kind: "hosted"
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Heartbeat.IntervalSeconds != 30 || cfg.Heartbeat.Workers != 2 {
		t.Errorf("heartbeat = %+v", cfg.Heartbeat)
	}
	if cfg.House.CreditCents != 1000 {
		t.Errorf("CreditCents = %d", cfg.House.CreditCents)
	}
	set := cfg.HouseSet()
	if _, ok := set["11111111-1111-1111-1111-111111111111"]; !ok {
		t.Error("house set missing seeded agent")
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "Atlas" {
		t.Errorf("agents = %+v", cfg.Agents)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGORA_HOME", t.TempDir())
	t.Setenv("AGORA_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("AGORA_HEARTBEAT_INTERVAL_SECONDS", "15")
	t.Setenv("AGORA_RAILS_URL", "http://rails.local")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Heartbeat.IntervalSeconds != 15 {
		t.Errorf("IntervalSeconds = %d", cfg.Heartbeat.IntervalSeconds)
	}
	if cfg.Rails.BaseURL != "http://rails.local" {
		t.Errorf("Rails.BaseURL = %q", cfg.Rails.BaseURL)
	}
}

func TestSeedValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing id", "agents:\n  - name: X\n    wallet_ref: w\n"},
		{"unknown personality", "agents:\n  - agent_id: a1\n    name: X\n    personality: sneaky\n    wallet_ref: w\n"},
		{"bad wallet kind", "agents:\n  - agent_id: a1\n    name: X\n    wallet_kind: paper\n    wallet_ref: w\n"},
		{"duplicate id", "agents:\n  - agent_id: a1\n    name: X\n    wallet_ref: w\n  - agent_id: a1\n    name: Y\n    wallet_ref: w2\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("AGORA_HOME", dir)
			writeConfig(t, dir, tc.body)
			if _, err := config.Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestFingerprintTracksHouseChanges(t *testing.T) {
	t.Setenv("AGORA_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := cfg.Fingerprint()
	cfg.House.Agents = append(cfg.House.Agents, "new-agent")
	if cfg.Fingerprint() == before {
		t.Error("fingerprint unchanged after house edit")
	}
}

func TestWatcherSeesRewrite(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "log_level: info\n")

	w := config.NewWatcher(dir, nil)
	ctx := t.Context()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the watcher a beat to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, "log_level: debug\n")

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("event path = %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event")
	}
}

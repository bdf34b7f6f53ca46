package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "symbols: [AAPL]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "PAPER" || cfg.Store.Driver != "sqlite" || cfg.Run.LockTTL != 5*time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Pipeline.RefuseUnpricedLive {
		t.Errorf("refuse_unpriced_live should default to true")
	}
	// unset pipeline parameters stay distinguishable from zero
	if cfg.Signal.Threshold != nil || cfg.Risk.SizeCap != nil || cfg.Policy.Allowlist != nil {
		t.Errorf("missing parameters were defaulted: %v %v %v", cfg.Signal.Threshold, cfg.Risk.SizeCap, cfg.Policy.Allowlist)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadPipelineParameters(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mode: live
symbols: [BTC_EUR, ETH_EUR]
run:
  key: nightly
  lock_ttl: 90s
signal:
  threshold: 0
risk:
  size_cap: 5
policy:
  allowlist: []
  window: "22:00-02:00 UTC"
snapshot:
  source: onetrading
  paper_prices:
    BTC_EUR: 42000
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signal.Threshold == nil || *cfg.Signal.Threshold != 0 {
		t.Errorf("threshold = %v", cfg.Signal.Threshold)
	}
	if cfg.Risk.SizeCap == nil || *cfg.Risk.SizeCap != 5 {
		t.Errorf("size cap = %v", cfg.Risk.SizeCap)
	}
	if cfg.Policy.Allowlist == nil || len(cfg.Policy.Allowlist) != 0 {
		t.Errorf("explicit empty allowlist lost: %#v", cfg.Policy.Allowlist)
	}
	if cfg.Run.LockTTL != 90*time.Second || cfg.Run.Key != "nightly" {
		t.Errorf("run = %+v", cfg.Run)
	}
	if cfg.Snapshot.PaperPrices["btc_eur"] != 42000 && cfg.Snapshot.PaperPrices["BTC_EUR"] != 42000 {
		t.Errorf("paper prices = %v", cfg.Snapshot.PaperPrices)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ONETRADING_API_KEY", "env-key")
	t.Setenv("TELEGRAM_CHAT_ID", "123")
	t.Setenv("TRADEPIPE_DB_PASSWORD", "pw")
	t.Setenv("TRADEPIPE_SIGNAL_THRESHOLD", "0.25")

	cfg, err := Load(writeConfig(t, "broker:\n  api_key: file-key\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APIKey != "env-key" || cfg.Notify.Telegram.ChatID != "123" || cfg.Store.Postgres.Password != "pw" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.Signal.Threshold == nil || *cfg.Signal.Threshold != 0.25 {
		t.Errorf("threshold from env = %v", cfg.Signal.Threshold)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, "{}\n"))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "demo" }},
		{"zero ttl", func(c *Config) { c.Run.LockTTL = 0 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }},
		{"empty sqlite path", func(c *Config) { c.Store.SQLitePath = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"negative paper price", func(c *Config) { c.Snapshot.PaperPrices = map[string]float64{"aapl": -1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

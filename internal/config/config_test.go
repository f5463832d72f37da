package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"promo-code-engine/internal/models"
	"promo-code-engine/internal/validation"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.Engine.SiteMode != "independent" {
		t.Errorf("Expected independent mode, got %s", cfg.Engine.SiteMode)
	}
	if cfg.Engine.DrainWait.Duration != time.Second {
		t.Errorf("Expected 1s drain wait, got %v", cfg.Engine.DrainWait)
	}
	if !cfg.Engine.FanOut || cfg.Engine.HumanCaptcha {
		t.Errorf("Unexpected default flags %+v", cfg.Engine)
	}
	if cfg.Notify.Configured() {
		t.Error("Expected notifications to be unconfigured by default")
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"server": {"port": "9000"},
		"engine": {"drain_wait": "3s", "cooldown_window": 90, "site_mode": "exclusive", "allowed_channels": ["-1"]}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("ALLOWED_CHAT_IDS", "-100, -200")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("Expected env to win over file, got port %s", cfg.Server.Port)
	}
	if cfg.Engine.DrainWait.Duration != 3*time.Second {
		t.Errorf("Expected 3s drain wait, got %v", cfg.Engine.DrainWait)
	}
	if cfg.Engine.CooldownWindow.Duration != 90*time.Second {
		t.Errorf("Expected numeric seconds, got %v", cfg.Engine.CooldownWindow)
	}
	if cfg.Engine.SiteMode != "exclusive" {
		t.Errorf("Expected exclusive mode from file, got %s", cfg.Engine.SiteMode)
	}
	if want := []string{"-100", "-200"}; !reflect.DeepEqual(cfg.Engine.AllowedChannels, want) {
		t.Errorf("Expected %v, got %v", want, cfg.Engine.AllowedChannels)
	}
}

func TestLoadConfig_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"engine": {"drain_wait": "soon"}}`), 0o600)
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no port", mutate: func(c *Config) { c.Server.Port = "" }},
		{name: "bad mode", mutate: func(c *Config) { c.Engine.SiteMode = "parallel" }},
		{name: "zero rate", mutate: func(c *Config) { c.RateLimit.Rate = 0 }},
		{name: "zero drain wait", mutate: func(c *Config) { c.Engine.DrainWait = Duration{} }},
		{name: "no inbox", mutate: func(c *Config) { c.Engine.InboxSize = 0 }},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Tracing.SampleRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := LoadConfig("")
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

const sitesYAML = `
sites:
  - name: thai_789bet
    priority: 2
    endpoint: https://api.789bet.example
    host_url: https://789bet.example
    host_url_env: HOST_789BET
    shared_secret: s3cret
    token_cookie: true
    min_reward_threshold: 10
    keywords: [789bet]
    chat_ids: ["-1002040396559"]
    timezone: Asia/Bangkok
    reset_cron: "0 0 0 * * *"
    lock_durations:
      9004: 3m
      4044: 720h
    tier_rules:
      - above: 25
        tiers: [very_high, high]
      - tiers: [all]
    pool:
      very_high: [vip1]
      all: [vip1, p2]
`

func TestParseSites(t *testing.T) {
	t.Setenv("HOST_789BET", "https://override.example")

	sites, err := ParseSites([]byte(sitesYAML))
	if err != nil {
		t.Fatalf("ParseSites failed: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("Expected 1 site, got %d", len(sites))
	}
	s := sites[0]
	if s.HostURL != "https://override.example" {
		t.Errorf("Expected host url from env, got %s", s.HostURL)
	}
	if s.LockDurations[9004] != 3*time.Minute || s.LockDurations[4044] != 720*time.Hour {
		t.Errorf("Unexpected lock durations %v", s.LockDurations)
	}
	if len(s.TierRules) != 2 || s.TierRules[0].Above == nil || *s.TierRules[0].Above != 25 {
		t.Errorf("Unexpected tier rules %+v", s.TierRules)
	}
	if !reflect.DeepEqual(s.TierRules[0].Tiers, []models.Tier{models.TierVeryHigh, models.TierHigh}) {
		t.Errorf("Unexpected tiers %v", s.TierRules[0].Tiers)
	}
	if !s.TokenCookie || !reflect.DeepEqual(s.Pool.All, []string{"vip1", "p2"}) {
		t.Errorf("Unexpected site %+v", s)
	}
}

func TestParseSites_Errors(t *testing.T) {
	if _, err := ParseSites([]byte("sites: []")); !errors.Is(err, ErrNoSites) {
		t.Errorf("Expected ErrNoSites, got %v", err)
	}
	if _, err := ParseSites([]byte("sites:\n  - name: x\n    bogus: 1\n")); err == nil {
		t.Error("Expected unknown field to fail")
	}

	invalid := strings.Replace(sitesYAML, "shared_secret: s3cret", "shared_secret: \"\"", 1)
	var verr *validation.ValidationError
	if _, err := ParseSites([]byte(invalid)); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}

	dup := sitesYAML + strings.SplitN(sitesYAML, "sites:\n", 2)[1]
	if _, err := ParseSites([]byte(dup)); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected duplicate site error, got %v", err)
	}
}

func TestLoadSites_MissingFile(t *testing.T) {
	if _, err := LoadSites(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
brand: acme
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  name: parley_acme
  user: parley
server:
  port: 9090
  webhook_secret: s3cret
log:
  level: debug
  format: console
classifier:
  provider: openai
  model: gpt-4o
  api_key: sk-test
  timeout: 30s
  history: 6
policy:
  tolerance_percent: 10
orchestrator:
  max_commit_retries: 5
  abandon_after: 72h
  send_timeout: 20s
lock:
  backend: redis
  redis_addr: 127.0.0.1:6379
mailer:
  transport: http
  endpoint: https://mail.example.com/send
notify:
  slack_bot_token: xoxb-1
  slack_channel: C01
sweep:
  schedule: "*/10 * * * *"
campaigns:
  - id: summer-launch
    name: Summer Launch
    budget_ceiling: "15000"
    offered_compensation: "10000.50"
    deliverable_baseline: 2
    video_length_baseline: 8
`

const minimalYAML = `
brand: bob
classifier:
  provider: static
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Brand != "acme" {
		t.Errorf("Brand = %q, want %q", cfg.Brand, "acme")
	}
	if cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %s:%d, want 10.0.0.5:3307", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.User != "parley" {
		t.Errorf("Database.User = %q, want %q", cfg.Database.User, "parley")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Classifier.Timeout != 30*time.Second {
		t.Errorf("Classifier.Timeout = %s, want 30s", cfg.Classifier.Timeout)
	}
	if cfg.Orchestrator.AnalyzingTimeout != 60*time.Second {
		t.Errorf("AnalyzingTimeout = %s, want 60s (derived from classifier timeout)", cfg.Orchestrator.AnalyzingTimeout)
	}
	if cfg.Orchestrator.AbandonAfter != 72*time.Hour {
		t.Errorf("AbandonAfter = %s, want 72h", cfg.Orchestrator.AbandonAfter)
	}
	if cfg.Orchestrator.SendTimeout != 20*time.Second {
		t.Errorf("SendTimeout = %s, want 20s", cfg.Orchestrator.SendTimeout)
	}
	if cfg.Orchestrator.MaxCommitRetries != 5 {
		t.Errorf("MaxCommitRetries = %d, want 5", cfg.Orchestrator.MaxCommitRetries)
	}
	if cfg.Lock.Backend != "redis" {
		t.Errorf("Lock.Backend = %q, want redis", cfg.Lock.Backend)
	}
	if len(cfg.Campaigns) != 1 {
		t.Fatalf("len(Campaigns) = %d, want 1", len(cfg.Campaigns))
	}
	c := cfg.Campaigns[0]
	if c.DeliverableBaseline != 2 || c.VideoLengthBaseline != 8 {
		t.Errorf("baselines = %d/%d, want 2/8", c.DeliverableBaseline, c.VideoLengthBaseline)
	}
	if c.OfferedCompensation != "10000.50" {
		t.Errorf("OfferedCompensation = %q", c.OfferedCompensation)
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql (default)", cfg.Database.Driver)
	}
	if cfg.Database.Name != "parley_bob" {
		t.Errorf("Database.Name = %q, want %q (derived from brand)", cfg.Database.Name, "parley_bob")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
	if cfg.Classifier.Timeout != 45*time.Second {
		t.Errorf("Classifier.Timeout = %s, want 45s (default)", cfg.Classifier.Timeout)
	}
	if cfg.Policy.TolerancePercent != 20 {
		t.Errorf("TolerancePercent = %v, want 20 (default)", cfg.Policy.TolerancePercent)
	}
	if cfg.Orchestrator.SendTimeout != 30*time.Second {
		t.Errorf("SendTimeout = %s, want 30s (default)", cfg.Orchestrator.SendTimeout)
	}
	if cfg.Lock.Backend != "local" {
		t.Errorf("Lock.Backend = %q, want local (default)", cfg.Lock.Backend)
	}
	if cfg.Mailer.Transport != "log" {
		t.Errorf("Mailer.Transport = %q, want log (default)", cfg.Mailer.Transport)
	}
	if cfg.Sweep.Schedule != "*/5 * * * *" {
		t.Errorf("Sweep.Schedule = %q, want default", cfg.Sweep.Schedule)
	}
}

func TestParse_SqliteDefaultPath(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "database:\n  driver: sqlite\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Path != "parley.db" {
		t.Errorf("Database.Path = %q, want parley.db", cfg.Database.Path)
	}
}

func TestParse_MissingBrand(t *testing.T) {
	_, err := Parse([]byte("classifier:\n  provider: static\n"))
	if err == nil {
		t.Fatal("expected error for missing brand")
	}
	if !strings.Contains(err.Error(), "brand is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "brand is required")
	}
}

func TestParse_OpenAIRequiresKey(t *testing.T) {
	_, err := Parse([]byte("brand: acme\n"))
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
	if !strings.Contains(err.Error(), "classifier.api_key is required") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	yaml := `
database:
  driver: postgres
classifier:
  provider: static
lock:
  backend: redis
sweep:
  schedule: "not a cron"
campaigns:
  - name: nameless
    budget_ceiling: lots
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"brand is required",
		"database.driver",
		"lock.redis_addr is required",
		"sweep.schedule",
		"campaigns[0].id is required",
		"campaigns[0].budget_ceiling",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want to contain %q", err.Error(), want)
		}
	}
}

func TestParse_DuplicateCampaign(t *testing.T) {
	yaml := minimalYAML + `
campaigns:
  - id: a
  - id: a
`
	_, err := Parse([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate campaign error, got %v", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("brand: [unterminated"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestParseWithEnv_Overrides(t *testing.T) {
	cfg, err := ParseWithEnv([]byte(minimalYAML), []string{
		"PARLEY_DB_HOST=db.internal",
		"PARLEY_DB_PASSWORD=hunter2",
		"PARLEY_SERVER_WEBHOOK_SECRET=whsec",
		"PARLEY_CLASSIFIER_TIMEOUT=5s",
		"UNRELATED=1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("Database.Host = %q, want env override", cfg.Database.Host)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("Database.Password = %q, want env override", cfg.Database.Password)
	}
	if cfg.Server.WebhookSecret != "whsec" {
		t.Errorf("WebhookSecret = %q, want env override", cfg.Server.WebhookSecret)
	}
	if cfg.Classifier.Timeout != 5*time.Second {
		t.Errorf("Classifier.Timeout = %s, want 5s", cfg.Classifier.Timeout)
	}
	if cfg.Database.Port != 3306 {
		t.Errorf("Database.Port = %d, want untouched default 3306", cfg.Database.Port)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Brand != "bob" {
		t.Errorf("Brand = %q, want bob", cfg.Brand)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err.Error())
	}
}

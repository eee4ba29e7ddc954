package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("guichet")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Portal.ID != "guichet" {
		t.Fatalf("portal id = %s", cfg.Portal.ID)
	}
	if len(cfg.Services) == 0 {
		t.Fatal("default config has no services")
	}
}

func TestDurationDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.PollInterval(); got != 2*time.Second {
		t.Fatalf("poll interval = %v", got)
	}
	if got := cfg.MaxBackoff(); got != 30*time.Second {
		t.Fatalf("max backoff = %v", got)
	}
	if got := cfg.ActionTimeout(); got != 10*time.Second {
		t.Fatalf("action timeout = %v", got)
	}
	if got := cfg.HighlightWindow(); got != 5*time.Second {
		t.Fatalf("highlight window = %v", got)
	}
	cfg.Channel.PollIntervalMS = 250
	if got := cfg.PollInterval(); got != 250*time.Millisecond {
		t.Fatalf("configured poll interval = %v", got)
	}
}

func TestValidateRejectsDuplicates(t *testing.T) {
	cfg := Default("guichet")
	cfg.Services = append(cfg.Services, cfg.Services[0])
	if err := cfg.Validate(); err == nil {
		t.Fatal("duplicate service id accepted")
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Portal.ID != "guichet" {
		t.Fatalf("portal id = %s", cfg.Portal.ID)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	raw := `portal:
  id: mairie-test
  name: "Mairie de test"
services:
  - id: passeport
    name: "Demande de passeport"
    category: "Identité"
channel:
  poll_interval_ms: 500
`
	if err := os.WriteFile(filepath.Join(dir, "guichet.yml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Portal.ID != "mairie-test" {
		t.Fatalf("portal id = %s", cfg.Portal.ID)
	}
	if cfg.PollInterval() != 500*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.PollInterval())
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	if _, err := FromYAML([]byte("portal: {id: x}\nservices: []\n")); err == nil {
		t.Fatal("empty services accepted")
	}
	if _, err := FromYAML([]byte(":::not yaml")); err == nil {
		t.Fatal("garbage yaml accepted")
	}
}

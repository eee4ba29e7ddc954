package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models guichet.yml: the services catalog plus tuning for the change
// feed and agent actions.
type Config struct {
	Portal struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"portal"`
	Services []ServiceEntry `yaml:"services"`
	Channel  struct {
		PollIntervalMS int `yaml:"poll_interval_ms"`
		MaxBackoffMS   int `yaml:"max_backoff_ms"`
	} `yaml:"channel"`
	Actions struct {
		TimeoutMS int `yaml:"timeout_ms"`
	} `yaml:"actions"`
	Queue struct {
		HighlightMS int `yaml:"highlight_ms"`
	} `yaml:"queue"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

// ServiceEntry is one catalog service a citizen can request.
type ServiceEntry struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Category          string   `yaml:"category"`
	RequiredDocuments []string `yaml:"required_documents"`
}

// PollInterval returns the configured feed poll interval.
func (c *Config) PollInterval() time.Duration {
	if c.Channel.PollIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Channel.PollIntervalMS) * time.Millisecond
}

// MaxBackoff returns the reconnection backoff cap.
func (c *Config) MaxBackoff() time.Duration {
	if c.Channel.MaxBackoffMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Channel.MaxBackoffMS) * time.Millisecond
}

// ActionTimeout bounds a single agent mutation round trip.
func (c *Config) ActionTimeout() time.Duration {
	if c.Actions.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Actions.TimeoutMS) * time.Millisecond
}

// HighlightWindow is how long a remotely changed request stays highlighted.
func (c *Config) HighlightWindow() time.Duration {
	if c.Queue.HighlightMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Queue.HighlightMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Portal.ID == "" {
		return fmt.Errorf("config.portal.id is required")
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("config.services must list at least one service")
	}
	seen := map[string]bool{}
	for i, svc := range c.Services {
		if svc.ID == "" {
			return fmt.Errorf("services[%d]: id is required", i)
		}
		if seen[svc.ID] {
			return fmt.Errorf("services[%d]: duplicate service id %s", i, svc.ID)
		}
		seen[svc.ID] = true
		if svc.Name == "" {
			return fmt.Errorf("service %s: name is required", svc.ID)
		}
		if svc.Category == "" {
			return fmt.Errorf("service %s: category is required", svc.ID)
		}
		for _, doc := range svc.RequiredDocuments {
			if doc == "" {
				return fmt.Errorf("service %s has empty required document", svc.ID)
			}
		}
	}
	if c.Channel.PollIntervalMS < 0 || c.Channel.MaxBackoffMS < 0 ||
		c.Actions.TimeoutMS < 0 || c.Queue.HighlightMS < 0 {
		return fmt.Errorf("config durations must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "guichet.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("guichet"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(portalID string) string {
	return fmt.Sprintf(defaultTemplate, portalID)
}

// Default returns the default Config struct for a portal.
func Default(portalID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, portalID))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `portal:
  id: %s
  name: "Guichet des services municipaux"

services:
  - id: passeport
    name: "Demande de passeport"
    category: "Identité"
    required_documents: [photo_identite, justificatif_domicile, acte_naissance]
  - id: cni
    name: "Carte nationale d'identité"
    category: "Identité"
    required_documents: [photo_identite, justificatif_domicile]
  - id: acte-naissance
    name: "Extrait d'acte de naissance"
    category: "État civil"
    required_documents: []
  - id: acte-mariage
    name: "Extrait d'acte de mariage"
    category: "État civil"
    required_documents: []
  - id: inscription-consulaire
    name: "Inscription consulaire"
    category: "Consulaire"
    required_documents: [passeport, justificatif_domicile]
  - id: procuration
    name: "Procuration de vote"
    category: "Citoyenneté"
    required_documents: [piece_identite]

channel:
  poll_interval_ms: 2000
  max_backoff_ms: 30000

actions:
  timeout_ms: 10000

queue:
  highlight_ms: 5000

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true
`

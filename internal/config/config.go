package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models flowrequest.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Deadlines struct {
		NormalDays int `yaml:"normal_days"`
		UrgentDays int `yaml:"urgent_days"`
	} `yaml:"deadlines"`
	Staleness struct {
		Hours int `yaml:"hours"`
	} `yaml:"staleness"`
	Notifier struct {
		RelayURL       string `yaml:"relay_url"`
		From           string `yaml:"from"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
	} `yaml:"notifier"`
	AI struct {
		DecomposeModel string `yaml:"decompose_model"`
		ClassifyModel  string `yaml:"classify_model"`
		AnalyzeModel   string `yaml:"analyze_model"`
		MaxTokens      int    `yaml:"max_tokens"`
	} `yaml:"ai"`
	Auth struct {
		JWTSecret            string `yaml:"jwt_secret"`
		AllowLocalUserHeader bool   `yaml:"allow_local_user_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Seed     struct {
		Team     []SeedUser    `yaml:"team"`
		Mappings []SeedMapping `yaml:"mappings"`
	} `yaml:"seed"`
}

// WebhookConfig describes one event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type SeedUser struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
	Role    string `yaml:"role"`
	RoleKey string `yaml:"role_key"`
	IsAdmin bool   `yaml:"is_admin"`
}

type SeedMapping struct {
	ID     string `yaml:"id"`
	Role   string `yaml:"role"`
	Groups []struct {
		Name     string   `yaml:"name"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"groups"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fr config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Deadlines.NormalDays <= 0 {
		return fmt.Errorf("config.deadlines.normal_days must be positive")
	}
	if c.Deadlines.UrgentDays <= 0 {
		return fmt.Errorf("config.deadlines.urgent_days must be positive")
	}
	if c.Deadlines.UrgentDays > c.Deadlines.NormalDays {
		return fmt.Errorf("config.deadlines.urgent_days must not exceed normal_days")
	}
	if c.Staleness.Hours <= 0 {
		return fmt.Errorf("config.staleness.hours must be positive")
	}
	if c.Notifier.TimeoutSeconds < 0 || c.Notifier.MaxRetries < 0 {
		return fmt.Errorf("config.notifier timeouts and retries must not be negative")
	}
	seen := map[string]bool{}
	for _, u := range c.Seed.Team {
		if u.ID == "" || u.Name == "" || u.Email == "" {
			return fmt.Errorf("seed team member needs id, name and email")
		}
		if u.RoleKey == "" {
			return fmt.Errorf("seed team member %s has empty role_key", u.ID)
		}
		if seen[u.ID] {
			return fmt.Errorf("seed team has duplicate id %s", u.ID)
		}
		seen[u.ID] = true
	}
	for _, m := range c.Seed.Mappings {
		if m.ID == "" || m.Role == "" {
			return fmt.Errorf("seed mapping needs id and role")
		}
		for _, g := range m.Groups {
			if g.Name == "" {
				return fmt.Errorf("mapping %s has a group without a name", m.ID)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowrequest.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `workspace:
  id: %s

deadlines:
  normal_days: 7
  urgent_days: 2

staleness:
  hours: 48

notifier:
  relay_url: ""
  from: flowrequest@testfirma.cz
  timeout_seconds: 10
  max_retries: 3

auth:
  jwt_secret: ""
  allow_local_user_header: true

ai:
  decompose_model: claude-sonnet-4-5
  classify_model: claude-haiku-4-5
  analyze_model: claude-sonnet-4-5
  max_tokens: 2048

seed:
  team:
    - id: u8
      name: Admin Systému
      email: admin@testfirma.cz
      role: Administrátor
      role_key: ADMIN
      is_admin: true
    - id: u1
      name: Mojmír Trtík
      email: obchodnik-zdivo@testfirma.cz
      role: Obchodník Zdivo
      role_key: OBCHODNIK_ZDIVO
    - id: u10
      name: Jan Novák
      email: obchodnik-fasady@testfirma.cz
      role: Obchodník Fasády & ETICS
      role_key: OBCHODNIK_FASADY
    - id: u11
      name: Petra Krátká
      email: obchodnik-sdk@testfirma.cz
      role: Obchodník Sádrokartony
      role_key: OBCHODNIK_SDK
    - id: u5
      name: Eva Malá
      email: reditel@testfirma.cz
      role: Ředitel pobočky
      role_key: REDITEL_POBOCKY
    - id: u2
      name: Petr Dvořák
      email: pm-sdk@testfirma.cz
      role: PM Sádrokartony
      role_key: PM_SADROKARTON
    - id: u6
      name: Lucie Bílá
      email: pm-izolace@testfirma.cz
      role: PM Izolace & Fasády
      role_key: PM_IZOLACE
    - id: u7
      name: Bořek Stavitel
      email: pm-zdivo@testfirma.cz
      role: PM Zdivo & Beton
      role_key: PM_ZDIVOBETON
    - id: u9
      name: Čestmír Strakatý
      email: provozni@firma.cz
      role: Provozní technik
      role_key: PROVOZNI_TECHNIK

  mappings:
    - id: m1
      role: PM Sádrokartony
      groups:
        - name: Strategie a Nákup
          keywords: [nákupní ceny sdk, objektová sleva sádrokarton, podmínky Knauf, podmínky Rigips, marže sdk, podržet cenu, garance nákupky, vzorkování sdk]
    - id: m2
      role: PM Izolace & Fasády
      groups:
        - name: Strategie a Nákup
          keywords: [nákupka polystyren, speciální cena vata, vyjednat u výrobce fasády, objektovka izolace, vzorkovník omítek, expedice výrobce fasády, podmínky Weber]
    - id: m7
      role: PM Zdivo & Beton
      groups:
        - name: Strategie a Nákup
          keywords: [velkoobjemová sleva zdivo, nákupní podmínky výrobce cihly, nákupka porotherm, objektová cena beton, Wienerberger sleva, logistika expedice výrobce, kapacita výroby]
    - id: m4
      role: Obchodník Zdivo
      groups:
        - name: Prodej a Nabídky
          keywords: [nabídka cihly, nacenění porotherm, kalkulace heluz, poptávka zdivo, zaměření stavby]
        - name: Aktivity
          keywords: [štiky, schůzky, CRM hlášení, plnění plánu, výkaz práce]
    - id: m8
      role: Obchodník Fasády & ETICS
      groups:
        - name: Prodej a Nabídky
          keywords: [nabídka fasáda, nacenit zateplení, kalkulace omítky, etics nabídka, zaměření fasády]
        - name: Aktivity
          keywords: [štiky, schůzky, CRM, plnění]
    - id: m9
      role: Obchodník Sádrokartony
      groups:
        - name: Prodej a Nabídky
          keywords: [nabídka sdk, nacenit podhledy, kalkulace příčky, suchá výstavba nabídka]
        - name: Aktivity
          keywords: [štiky, schůzky, CRM, reporty]
    - id: m5
      role: Provozní technik
      groups:
        - name: Výpočty a Technika
          keywords: [výpočet spotřeby, matematika spotřeby, výkaz výměr ETICS, výpočet cihel, spotřeba materiálu, technické řešení stavby]
        - name: Budova a Revize
          keywords: [oprava, revize, závada na pobočce, údržba areálu, elektřina, kotel, vytápění, nájem]
    - id: m6
      role: Ředitel pobočky
      groups:
        - name: Management
          keywords: [stížnost, personální věci, porada pobočky, delegování úkolů, kontrola docházky]
        - name: Reporting
          keywords: [celkové štiky, souhrn schůzek, výsledky pobočky, plnění obchodníků]
`

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models market.yml.
type Config struct {
	Market struct {
		Name            string `yaml:"name"`
		EvaluatorFeeBps int    `yaml:"evaluator_fee_bps"`
		RefundOnFail    *bool  `yaml:"refund_on_fail"`
		JobTTL          string `yaml:"job_ttl"`
	} `yaml:"market"`
	Evaluation struct {
		PassThreshold float64      `yaml:"pass_threshold"`
		Oracle        OracleConfig `yaml:"oracle"`
	} `yaml:"evaluation"`
	Posters struct {
		Generator GeneratorConfig `yaml:"generator"`
		Artifacts ArtifactsConfig `yaml:"artifacts"`
	} `yaml:"posters"`
	Agents   []AgentConfig   `yaml:"agents"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// OracleConfig selects how posters are judged. Kind is threshold or http.
type OracleConfig struct {
	Kind           string `yaml:"kind"`
	URL            string `yaml:"url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// GeneratorConfig selects how posters are produced. Kind is local or http.
type GeneratorConfig struct {
	Kind           string `yaml:"kind"`
	URL            string `yaml:"url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ArtifactsConfig selects where poster images are stored. Backend is file or minio.
type ArtifactsConfig struct {
	Backend        string `yaml:"backend"`
	Dir            string `yaml:"dir"`
	PublicBaseURL  string `yaml:"public_base_url"`
	MinIOEndpoint  string `yaml:"minio_endpoint"`
	MinIOBucket    string `yaml:"minio_bucket"`
	MinIOAccessEnv string `yaml:"minio_access_key_env"`
	MinIOSecretEnv string `yaml:"minio_secret_key_env"`
	MinIOUseSSL    bool   `yaml:"minio_use_ssl"`
}

type AgentConfig struct {
	Name          string          `yaml:"name"`
	Goal          string          `yaml:"goal"`
	Description   string          `yaml:"description"`
	Evaluator     bool            `yaml:"evaluator"`
	WalletAddress string          `yaml:"wallet_address"`
	Balance       float64         `yaml:"balance"`
	Provider      *ProviderConfig `yaml:"provider"`
	Inventory     []StockConfig   `yaml:"inventory"`
}

type ProviderConfig struct {
	Description string        `yaml:"description"`
	Catalog     []CatalogItem `yaml:"catalog"`
}

type CatalogItem struct {
	Product string  `yaml:"product"`
	Price   float64 `yaml:"price"`
}

// StockConfig is starting inventory for an agent.
type StockConfig struct {
	Item        string `yaml:"item"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Origin      string `yaml:"origin"`
	URL         string `yaml:"url"`
	Quantity    int    `yaml:"quantity"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// RefundsOnFail reports whether escrow returns to the client after a failed evaluation.
func (c *Config) RefundsOnFail() bool {
	return c == nil || c.Market.RefundOnFail == nil || *c.Market.RefundOnFail
}

// EvaluationThreshold is the confidence a judged deliverable must reach.
func (c *Config) EvaluationThreshold() float64 {
	if c == nil || c.Evaluation.PassThreshold == 0 {
		return 0.95
	}
	return c.Evaluation.PassThreshold
}

// JobTTLDuration returns the job lifetime, or 0 when jobs never expire.
func (c *Config) JobTTLDuration() time.Duration {
	if c == nil || c.Market.JobTTL == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Market.JobTTL)
	return d
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Market.EvaluatorFeeBps < 0 || c.Market.EvaluatorFeeBps > 10000 {
		return fmt.Errorf("market.evaluator_fee_bps must be between 0 and 10000")
	}
	if c.Market.JobTTL != "" {
		d, err := time.ParseDuration(c.Market.JobTTL)
		if err != nil || d < 0 {
			return fmt.Errorf("market.job_ttl %q is not a valid duration", c.Market.JobTTL)
		}
	}
	if c.Evaluation.PassThreshold < 0 || c.Evaluation.PassThreshold > 1 {
		return fmt.Errorf("evaluation.pass_threshold must be between 0 and 1")
	}
	switch c.Evaluation.Oracle.Kind {
	case "", "threshold":
	case "http":
		if strings.TrimSpace(c.Evaluation.Oracle.URL) == "" {
			return fmt.Errorf("evaluation.oracle.url is required for kind http")
		}
	default:
		return fmt.Errorf("evaluation.oracle.kind must be threshold or http")
	}
	switch c.Posters.Generator.Kind {
	case "", "local":
	case "http":
		if strings.TrimSpace(c.Posters.Generator.URL) == "" {
			return fmt.Errorf("posters.generator.url is required for kind http")
		}
	default:
		return fmt.Errorf("posters.generator.kind must be local or http")
	}
	switch c.Posters.Artifacts.Backend {
	case "", "file":
	case "minio":
		if c.Posters.Artifacts.MinIOEndpoint == "" {
			return fmt.Errorf("posters.artifacts.minio_endpoint is required for backend minio")
		}
	default:
		return fmt.Errorf("posters.artifacts.backend must be file or minio")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		id := AgentID(a.Name)
		if seen[id] {
			return fmt.Errorf("duplicate agent %s", a.Name)
		}
		seen[id] = true
		if a.Balance < 0 {
			return fmt.Errorf("agent %s has negative balance", a.Name)
		}
		if a.Provider != nil {
			for _, item := range a.Provider.Catalog {
				if item.Product == "" {
					return fmt.Errorf("agent %s has catalog entry without product", a.Name)
				}
				if item.Price <= 0 {
					return fmt.Errorf("agent %s prices %s at %v; price must be positive", a.Name, item.Product, item.Price)
				}
			}
		}
		for _, s := range a.Inventory {
			if s.Item == "" || s.Quantity <= 0 {
				return fmt.Errorf("agent %s has invalid inventory entry", a.Name)
			}
			if s.Type != "" && s.Type != "PHYSICAL" && s.Type != "DIGITAL" {
				return fmt.Errorf("agent %s inventory %s has type %s; want PHYSICAL or DIGITAL", a.Name, s.Item, s.Type)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// AgentID derives the ledger id for an agent name: agent-<lowercase name, spaces as dashes>.
func AgentID(name string) string {
	return "agent-" + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "market.yml")
}

// Load reads config from the workspace, falling back to Default when the file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in market: a lemonade seller, a lemon farmer,
// a poster designer, a permit issuer and an evaluator.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultYAML))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes, applying defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

func (c *Config) applyDefaults() {
	if c.Market.Name == "" {
		c.Market.Name = "agentmarket"
	}
	if c.Market.EvaluatorFeeBps == 0 {
		c.Market.EvaluatorFeeBps = 500
	}
	if c.Evaluation.PassThreshold == 0 {
		c.Evaluation.PassThreshold = 0.95
	}
	if c.Evaluation.Oracle.Kind == "" {
		c.Evaluation.Oracle.Kind = "threshold"
	}
	if c.Posters.Generator.Kind == "" {
		c.Posters.Generator.Kind = "local"
	}
	if c.Posters.Artifacts.Backend == "" {
		c.Posters.Artifacts.Backend = "file"
	}
	if c.Posters.Artifacts.MinIOBucket == "" {
		c.Posters.Artifacts.MinIOBucket = "market-posters"
	}
}

// DefaultYAML is written by `market init`.
const DefaultYAML = `market:
  name: agentmarket
  evaluator_fee_bps: 500
  refund_on_fail: true

evaluation:
  pass_threshold: 0.95
  oracle:
    kind: threshold

posters:
  generator:
    kind: local
  artifacts:
    backend: file
    dir: .market/artifacts

agents:
  - name: Lemo
    goal: Establish and grow a successful lemonade business.
    description: An ambitious entrepreneur with a passion for refreshing beverages.
    wallet_address: "0x123"
    balance: 100
    provider:
      description: High-quality, refreshing lemonade.
      catalog:
        - product: Lemonade
          price: 5
  - name: Zestie
    goal: Supply premium quality lemons to other agents.
    description: A citrus farmer known for reliability and juicy lemons.
    wallet_address: "0x456"
    balance: 100
    provider:
      description: Handpicked lemons at peak ripeness.
      catalog:
        - product: Lemon
          price: 2
    inventory:
      - item: Lemon
        type: PHYSICAL
        description: Fresh lemon
        origin: Zestie's orchard
        quantity: 20
  - name: Pixie
    goal: Create professional digital posters for other agents.
    description: A digital artist with an eye for design.
    wallet_address: "0x789"
    balance: 100
    provider:
      description: Eye-catching marketing posters.
      catalog:
        - product: Poster
          price: 10
  - name: Lexie
    goal: Guide agents through business permits and licensing.
    description: A meticulous legal professional.
    wallet_address: "0xabc"
    balance: 100
    provider:
      description: Business permits and licenses.
      catalog:
        - product: Permit
          price: 10
  - name: Evaluator
    goal: Ensure quality and fairness in marketplace transactions.
    description: Evaluates the work delivered by other agents.
    evaluator: true
    wallet_address: "0xdef"
    balance: 0
    provider:
      description: Professional evaluation services for 5% of the transaction value.
      catalog:
        - product: Evaluation
          price: 1
`

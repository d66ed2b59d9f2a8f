package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models finrisk.yml.
type Config struct {
	Study struct {
		Tickers []string          `yaml:"tickers"`
		Queries map[string]string `yaml:"queries"`
	} `yaml:"study"`
	PageIndex struct {
		APIKey              string  `yaml:"api_key"`
		BaseURL             string  `yaml:"base_url"`
		DocMap              string  `yaml:"doc_map"`
		PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`
		PollTimeoutSeconds  int     `yaml:"poll_timeout_seconds"`
		EnableThinking      bool    `yaml:"enable_thinking"`
	} `yaml:"pageindex"`
	OpenAI struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"openai"`
	Mock struct {
		EnableFallback bool   `yaml:"enable_fallback"`
		Scenario       string `yaml:"scenario"`
		SeedSalt       string `yaml:"seed_salt"`
	} `yaml:"mock"`
	Synthetic struct {
		Enabled               bool `yaml:"enabled"`
		RetrievalLatencyMinMS int  `yaml:"retrieval_latency_min_ms"`
		RetrievalLatencyMaxMS int  `yaml:"retrieval_latency_max_ms"`
		GenerateLatencyMinMS  int  `yaml:"generation_latency_min_ms"`
		GenerateLatencyMaxMS  int  `yaml:"generation_latency_max_ms"`
	} `yaml:"synthetic"`
}

// Load reads and validates config from workspace, falling back to defaults
// when no finrisk.yml exists.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "finrisk.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Study.Tickers) == 0 {
		return fmt.Errorf("config.study.tickers is required")
	}
	for _, ticker := range c.Study.Tickers {
		if strings.TrimSpace(ticker) == "" {
			return fmt.Errorf("config.study.tickers contains an empty ticker")
		}
		if _, ok := c.Study.Queries[ticker]; !ok {
			return fmt.Errorf("config.study.queries missing entry for ticker %s", ticker)
		}
	}
	if c.PageIndex.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.pageindex.poll_interval_seconds must be > 0")
	}
	if c.PageIndex.PollTimeoutSeconds <= 0 {
		return fmt.Errorf("config.pageindex.poll_timeout_seconds must be > 0")
	}
	if c.Mock.Scenario == "" {
		return fmt.Errorf("config.mock.scenario is required")
	}
	if c.Synthetic.RetrievalLatencyMinMS < 0 || c.Synthetic.GenerateLatencyMinMS < 0 {
		return fmt.Errorf("synthetic latency bounds must not be negative")
	}
	if c.Synthetic.RetrievalLatencyMaxMS < c.Synthetic.RetrievalLatencyMinMS {
		return fmt.Errorf("config.synthetic.retrieval_latency_max_ms is below the minimum")
	}
	if c.Synthetic.GenerateLatencyMaxMS < c.Synthetic.GenerateLatencyMinMS {
		return fmt.Errorf("config.synthetic.generation_latency_max_ms is below the minimum")
	}
	return nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `study:
  tickers: [MSFT, AAPL, TSLA, JPM, PFE, WMT, XOM, BA]
  queries:
    MSFT: "What are the key technology and cybersecurity risks that could impact Microsoft's cloud business?"
    AAPL: "Identify and summarize the supply chain and geopolitical risks facing Apple's hardware operations."
    TSLA: "What regulatory and safety risks does Tesla face related to its autonomous driving technology?"
    JPM: "Summarize the credit risk and market volatility exposures disclosed by JPMorgan Chase."
    PFE: "What are the key regulatory approval and patent expiration risks affecting Pfizer's drug pipeline?"
    WMT: "Identify the competitive and supply chain risks facing Walmart's retail and e-commerce business."
    XOM: "What environmental and regulatory compliance risks does ExxonMobil disclose related to climate policy?"
    BA: "Summarize the safety, quality control, and litigation risks disclosed by Boeing."

pageindex:
  api_key: ""
  base_url: https://api.pageindex.ai
  doc_map: ""
  poll_interval_seconds: 1.0
  poll_timeout_seconds: 45
  enable_thinking: false

openai:
  api_key: ""
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini

mock:
  enable_fallback: true
  scenario: happy_path
  seed_salt: finrisk

synthetic:
  enabled: true
  retrieval_latency_min_ms: 450
  retrieval_latency_max_ms: 1300
  generation_latency_min_ms: 650
  generation_latency_max_ms: 1700
`

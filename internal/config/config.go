package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// DotEnvFile is loaded into the process environment before reading config.
const DotEnvFile = ".env"

type Config struct {
	ServiceURL     string        `yaml:"service_url" env:"SERVERLESS_URL" env-default:"https://serverless.roboflow.com"`
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	Workspace      string        `yaml:"workspace" env:"WORKSPACE"`
	WorkflowID     string        `yaml:"workflow_id" env:"WORKFLOW_ID"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"60s"`

	OutputDir   string  `yaml:"output_dir" env:"OUTPUT_DIR" env-default:"output"`
	InputDir    string  `yaml:"input_dir" env:"INPUT_DIR" env-default:"input"`
	TotalWeight float64 `yaml:"total_weight" env:"TOTAL_WEIGHT" env-default:"100"`
	JPEGQuality int     `yaml:"jpeg_quality" env:"JPEG_QUALITY" env-default:"95"`
	DPI         int     `yaml:"dpi" env:"PDF_DPI" env-default:"200"`
	Workers     int     `yaml:"workers" env:"WORKERS"`

	Listen    string `yaml:"listen" env:"LISTEN_ADDR" env-default:":8080"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" env-default:"console"`
}

// Load reads .env, then the optional YAML file at path, then the environment.
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", DotEnvFile, err)
	}

	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			return cfg.finish()
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return cfg.finish()
}

func (c *Config) finish() (*Config, error) {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyDefaults fills in values cleanenv cannot express as static tags.
func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.TotalWeight <= 0 && !math.IsInf(c.TotalWeight, -1) {
		c.TotalWeight = 100
	}
	c.ServiceURL = strings.TrimRight(c.ServiceURL, "/")
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.ServiceURL == "" {
		missing = append(missing, "SERVERLESS_URL")
	}
	if c.APIKey == "" {
		missing = append(missing, "API_KEY")
	}
	if c.Workspace == "" {
		missing = append(missing, "WORKSPACE")
	}
	if c.WorkflowID == "" {
		missing = append(missing, "WORKFLOW_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if math.IsNaN(c.TotalWeight) || math.IsInf(c.TotalWeight, 0) {
		return fmt.Errorf("total weight must be a finite number, got %v", c.TotalWeight)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be in 1..100, got %d", c.JPEGQuality)
	}
	return nil
}

// Usage describes the environment variables understood by Load.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}

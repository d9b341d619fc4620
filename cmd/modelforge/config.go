package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the modelforge configuration file
// (~/.config/modelforge/config.yaml). Optional fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	OutputDir string `yaml:"output_dir"`
	Revision  string `yaml:"revision"`
	Token     string `yaml:"token"`
	HubURL    string `yaml:"hub_url"`

	Device    string `yaml:"device"`
	Precision string `yaml:"precision"`
	Verify    *bool  `yaml:"verify"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "modelforge", "config.yaml")
}

// applyExportConfig applies config file defaults to export command variables
// when the corresponding CLI flag was not explicitly set.
func applyExportConfig(c *cli.Command, cfg Config, runVerify *bool) {
	if cfg.OutputDir != "" && !c.IsSet("output-dir") {
		outputDir = cfg.OutputDir
	}
	if cfg.Revision != "" && !c.IsSet("revision") {
		revision = cfg.Revision
	}
	if cfg.Token != "" && !c.IsSet("token") {
		hfToken = cfg.Token
	}
	if cfg.HubURL != "" && !c.IsSet("hub-url") {
		hubURL = cfg.HubURL
	}
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
	if cfg.Precision != "" && !c.IsSet("precision") {
		precision = cfg.Precision
	}
	if cfg.Verify != nil && !c.IsSet("verify") {
		*runVerify = *cfg.Verify
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

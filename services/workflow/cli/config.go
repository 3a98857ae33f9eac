package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const defaultServer = "http://localhost:8080"

type Config struct {
	Server     string `toml:"server"`
	SigningKey string `toml:"signing_key"`
	Subject    string `toml:"subject"`
}

// LoadConfig reads the optional TOML file at path (or the default location
// when path is empty). WORKFLOW_SERVER and EVENT_SIGNING_KEY override it.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Server:  defaultServer,
		Subject: "workflowctl",
	}

	if path == "" {
		path = defaultConfigPath()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if v, ok := os.LookupEnv("WORKFLOW_SERVER"); ok && v != "" {
		cfg.Server = v
	}
	if v, ok := os.LookupEnv("EVENT_SIGNING_KEY"); ok {
		cfg.SigningKey = v
	}
	return cfg, nil
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "workflowctl", "config.toml")
}

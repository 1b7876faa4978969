package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const cliConfigName = ".hcmp.yaml"

type CLIConfig struct {
	ControllerURL string `yaml:"controller_url"`
	Token         string `yaml:"token"`
}

func cliConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, cliConfigName), nil
}

func LoadCLIConfig() (*CLIConfig, error) {
	configPath, err := cliConfigPath()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &CLIConfig{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var cfg CLIConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func SaveCLIConfig(cfg *CLIConfig) error {
	configPath, err := cliConfigPath()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(configPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return yaml.NewEncoder(f).Encode(cfg)
}

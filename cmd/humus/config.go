package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read from the working directory when --config is not set.
const DefaultConfigFile = "humus.yaml"

// fileConfig mirrors humus.yaml.
type fileConfig struct {
	Directory    string              `yaml:"directory"`
	Database     string              `yaml:"database"`
	Password     string              `yaml:"password"`
	Server       serverConfig        `yaml:"server"`
	Replications []replicationConfig `yaml:"replications"`
}

type serverConfig struct {
	Addr  string            `yaml:"addr"`
	Users map[string]string `yaml:"users"`
}

type replicationConfig struct {
	Target     string   `yaml:"target"`
	Type       string   `yaml:"type"`
	Continuous bool     `yaml:"continuous"`
	DocIDs     []string `yaml:"doc_ids"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
}

// loadConfig reads path. A missing default file yields an empty config.
func loadConfig(path string, explicit bool) (*fileConfig, error) {
	cfg := &fileConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"io"

	"github.com/diwise/record-broker/pkg/schema"
	yaml "gopkg.in/yaml.v2"
)

type SchemaConfig struct {
	Models map[string]schema.ModelDef `yaml:"models"`
}

type Config struct {
	Schema SchemaConfig `yaml:"schema"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if len(cfg.Schema.Models) == 0 {
		return nil, fmt.Errorf("configuration declares no models")
	}

	return cfg, nil
}

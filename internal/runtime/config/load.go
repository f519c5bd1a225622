package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvServiceName       = "SERVICE_NAME"
	EnvPubSubSystem      = "PUBSUB_SYSTEM"
	EnvKafkaBrokers      = "KAFKA_BROKERS"
	EnvKafkaUsername     = "KAFKA_USERNAME"
	EnvKafkaPassword     = "KAFKA_PASSWORD"
	EnvKafkaSSL          = "KAFKA_SSL"
	EnvSchemaRegistryURL = "SCHEMA_REGISTRY_URL"
	EnvCreditSheet       = "CREDIT_SHEET"
)

// LoadFile reads a YAML config file, applies environment overrides and
// validates the result.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvServiceName); ok && v != "" {
		c.ServiceName = v
	}
	if v, ok := lookup(EnvPubSubSystem); ok && v != "" {
		c.PubSubSystem = v
	}
	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		c.KafkaBrokers = splitList(v)
	}
	if v, ok := lookup(EnvKafkaUsername); ok {
		c.KafkaUsername = v
	}
	if v, ok := lookup(EnvKafkaPassword); ok {
		c.KafkaPassword = v
	}
	if v, ok := lookup(EnvKafkaSSL); ok && v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvKafkaSSL, err)
		}
		c.KafkaSSL = ssl
	}
	if v, ok := lookup(EnvSchemaRegistryURL); ok && v != "" {
		c.SchemaRegistryURL = v
	}
	if v, ok := lookup(EnvCreditSheet); ok && v != "" {
		c.CreditSheet = v
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

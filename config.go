package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DataConfig struct {
	// Dir is the directory holding the device registry database.
	Dir string `yaml:"dir"`
}

type KafkaConfig struct {
	// Brokers enables the status publisher when non-empty.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7130,
		},
		Data: DataConfig{
			Dir: "data",
		},
		Kafka: KafkaConfig{
			Topic: "printer-status",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()

	// Resolve relative data dir to absolute path.
	if !filepath.IsAbs(cfg.Data.Dir) {
		dir, _ := os.Getwd()
		cfg.Data.Dir = filepath.Join(dir, cfg.Data.Dir)
	}

	return cfg, nil
}

// applyEnv overrides config values from the environment (loaded from
// .env when present).
func (c *Config) applyEnv() {
	if v := os.Getenv("SDCP_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SDCP_KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("SDCP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SDCP_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

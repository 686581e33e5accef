package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DispatchConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	WorkerHTTPAddr     string `yaml:"worker_http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Feature flag for the whole acceptance flow. Off means assignments are
	// recorded without tracking, reminders or respond links.
	AcceptanceFlowEnabled bool `yaml:"acceptance_flow_enabled"`

	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	SweepTriggerSecret   string `yaml:"sweep_trigger_secret"`

	// Timezone pickup date/time strings are interpreted in, e.g. "Europe/Berlin".
	Timezone string `yaml:"timezone"`

	RespondBaseURL        string `yaml:"respond_base_url"`
	RespondTokenTTLHours  int    `yaml:"respond_token_ttl_hours"`
	AcceptanceTTLSeconds  int    `yaml:"acceptance_ttl_seconds"`
	NotifyRateLimitPerDriverPerHour int `yaml:"notify_rate_limit_per_driver_per_hour"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

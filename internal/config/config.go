// Package config handles Satchel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./satchel.yaml, ~/.config/satchel/config.yaml, /etc/satchel/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"satchel.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "satchel", "config.yaml"))
	}

	paths = append(paths, "/etc/satchel/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Satchel configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Provider ProviderConfig `yaml:"provider"`
	Packs    PacksConfig    `yaml:"packs"`
	Trace    TraceConfig    `yaml:"trace"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Email    EmailConfig    `yaml:"email"`
	Contacts ContactsConfig `yaml:"contacts"`
	Forge    ForgeConfig    `yaml:"forge"`
	Web      WebConfig      `yaml:"web"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig defines the model provider connection and default
// model options sent with every request.
type ProviderConfig struct {
	// Name selects the provider implementation: "anthropic" or "openai".
	// "openai" covers any OpenAI-compatible endpoint (including Ollama's
	// /v1 surface) via BaseURL.
	Name        string  `yaml:"name"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// PacksConfig controls capability pack startup behavior.
type PacksConfig struct {
	// Autoload lists pack domains to load at startup, in order.
	// Dependencies are resolved by the registry, so listing a dependent
	// pack alone is sufficient.
	Autoload []string `yaml:"autoload"`
}

// TraceConfig controls the tool-call trace.
type TraceConfig struct {
	// RingSize is the capacity of the in-memory trailing call history.
	// Zero means the default (64).
	RingSize int `yaml:"ring_size"`
	// ArchivePath enables the SQLite call archive when non-empty.
	ArchivePath string `yaml:"archive_path"`
}

// MQTTConfig defines the broker connection for the mqtt pack.
// The pack is not registered when BrokerURL is empty.
type MQTTConfig struct {
	BrokerURL   string        `yaml:"broker_url"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// EmailConfig defines the IMAP account for the email pack.
// The pack is not registered when Server is empty.
type EmailConfig struct {
	Server   string `yaml:"server"` // host:port, implicit TLS
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Mailbox  string `yaml:"mailbox"` // default INBOX
}

// ContactsConfig defines the CardDAV account for the contacts pack.
// The pack is not registered when URL is empty.
type ContactsConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	AddressBook string `yaml:"address_book"` // path; discovered when empty
}

// ForgeConfig defines the GitHub connection for the forge pack.
// The pack is not registered when Token is empty.
type ForgeConfig struct {
	Token   string `yaml:"token"`
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	BaseURL string `yaml:"base_url"` // for GitHub Enterprise; empty = github.com
}

// WebConfig tunes the web pack's page fetcher.
type WebConfig struct {
	UserAgent string `yaml:"user_agent"`
	MaxBytes  int64  `yaml:"max_bytes"` // response body cap; 0 = default 1 MiB
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Provider: ProviderConfig{
			Name:      "openai",
			BaseURL:   "http://localhost:11434/v1",
			Model:     "qwen3:4b",
			MaxTokens: 4096,
		},
		Packs: PacksConfig{
			Autoload: []string{"util"},
		},
		Trace: TraceConfig{RingSize: 64},
		Email: EmailConfig{Mailbox: "INBOX"},
	}
}

// Package config handles marginalia configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Provider identifiers accepted in EngineConfig.Provider.
const (
	ProviderGemini = "gemini" // Family A: content-parts chat completion
	ProviderOpenAI = "openai" // Family B: message-array chat completion
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./marginalia.yaml, ~/.config/marginalia/config.yaml,
// /etc/marginalia/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"marginalia.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "marginalia", "config.yaml"))
	}

	paths = append(paths, "/etc/marginalia/config.yaml")
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

// Config holds all marginalia configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Engine   EngineConfig   `yaml:"engine"`
	Behavior BehaviorConfig `yaml:"behavior"`
	Backup   BackupConfig   `yaml:"backup"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// EngineConfig holds the model provider connection settings. The core
// generation layer reads only these fields; everything presentational
// lives with the UI and never reaches this process.
type EngineConfig struct {
	Provider    string  `yaml:"provider"` // gemini or openai
	BaseURL     string  `yaml:"base_url"` // empty = provider default
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	StrongModel string  `yaml:"strong_model"` // used for reviews and memory consolidation when set
	Temperature float64 `yaml:"temperature"`
}

// BehaviorConfig holds the annotation/memory lifecycle policy knobs.
type BehaviorConfig struct {
	// AutoAnnotations enables the background page scan that produces
	// annotations without an explicit user request.
	AutoAnnotations bool `yaml:"auto_annotations"`

	// AutoAnnotationCount is the requested number of annotations per page
	// scan. Clamped to 1..5 before it reaches a prompt.
	AutoAnnotationCount int `yaml:"auto_annotation_count"`

	// AutoMemoryThreshold is the annotation-count interval at which
	// persona memory is consolidated. Zero disables consolidation.
	AutoMemoryThreshold int `yaml:"auto_memory_threshold"`
}

// BackupConfig defines the optional GitHub Gist snapshot target.
type BackupConfig struct {
	Token    string `yaml:"token"`    // GitHub token with gist scope
	GistID   string `yaml:"gist_id"`  // empty = create on first push
	Schedule string `yaml:"schedule"` // cron expression; empty disables periodic backup
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
		Listen:  ListenConfig{Port: 8143},
		DataDir: "data",
		Engine: EngineConfig{
			Provider:    ProviderGemini,
			Model:       "gemini-2.0-flash",
			StrongModel: "gemini-2.5-pro",
			Temperature: 0.9,
		},
		Behavior: BehaviorConfig{
			AutoAnnotations:     true,
			AutoAnnotationCount: 2,
			AutoMemoryThreshold: 50,
		},
	}
}

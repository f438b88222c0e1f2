package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("MARGINALIA_TEST_KEY", "sk-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "marginalia.yaml")
	content := `
engine:
  provider: openai
  api_key: ${MARGINALIA_TEST_KEY}
  model: gpt-4o-mini
  temperature: 0.7
behavior:
  auto_annotation_count: 3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Engine.Provider != ProviderOpenAI {
		t.Errorf("provider = %q, want %q", cfg.Engine.Provider, ProviderOpenAI)
	}
	if cfg.Engine.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Engine.APIKey)
	}
	if cfg.Behavior.AutoAnnotationCount != 3 {
		t.Errorf("auto_annotation_count = %d, want 3", cfg.Behavior.AutoAnnotationCount)
	}
	// Unset fields keep defaults.
	if cfg.Listen.Port != 8143 {
		t.Errorf("listen.port = %d, want default 8143", cfg.Listen.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() on missing file should fail")
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("FindConfig() with missing explicit path should fail")
	}
}

func TestDefaultBehavior(t *testing.T) {
	cfg := Default()
	if !cfg.Behavior.AutoAnnotations {
		t.Error("auto annotations should default on")
	}
	if cfg.Behavior.AutoMemoryThreshold != 50 {
		t.Errorf("auto_memory_threshold = %d, want 50", cfg.Behavior.AutoMemoryThreshold)
	}
	if cfg.Engine.Provider != ProviderGemini {
		t.Errorf("provider = %q, want gemini default", cfg.Engine.Provider)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{" warn ", slog.LevelWarn, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

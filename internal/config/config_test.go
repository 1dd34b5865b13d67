package config

import (
	"os"
	"path/filepath"
	"testing"
)

// writeConfig drops YAML into a temp dir and returns its path.
func writeConfig(t *testing.T, name, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig(t *testing.T) {
	t.Run("explicit path", func(t *testing.T) {
		path := writeConfig(t, "test.yaml", "listen:\n  port: 9999\n")
		got, err := FindConfig(path)
		if err != nil || got != path {
			t.Errorf("FindConfig = %q, %v", got, err)
		}
	})

	t.Run("explicit path missing", func(t *testing.T) {
		if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
			t.Error("missing explicit path did not error")
		}
	})

	t.Run("current directory", func(t *testing.T) {
		path := writeConfig(t, "jarvis.yaml", "listen:\n  port: 8080\n")
		t.Chdir(filepath.Dir(path))

		got, err := FindConfig("")
		if err != nil {
			t.Fatalf("FindConfig: %v", err)
		}
		if got != "jarvis.yaml" {
			t.Errorf("FindConfig = %q, want the cwd jarvis.yaml", got)
		}
	})
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("JARVIS_TEST_TOKEN", "secret123")
	path := writeConfig(t, "config.yaml", "telegram:\n  bot_token: ${JARVIS_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.BotToken != "secret123" {
		t.Errorf("bot_token = %q, want the expanded secret", cfg.Telegram.BotToken)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", "data_dir: /tmp/jarvis\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Loop.MinSleepSec != 10 || cfg.Loop.MaxSleepSec != 3600 {
		t.Errorf("sleep bounds = %d..%d, want 10..3600", cfg.Loop.MinSleepSec, cfg.Loop.MaxSleepSec)
	}
	if cfg.Memory.RetrievalCount != 5 {
		t.Errorf("retrieval_count = %d, want 5", cfg.Memory.RetrievalCount)
	}
	for _, tier := range []string{"level1", "local_only"} {
		if len(cfg.Tiers[tier]) == 0 {
			t.Errorf("default tiers missing %s", tier)
		}
	}
}

func TestMemoryConfigValidate(t *testing.T) {
	good := MemoryConfig{RetrievalCount: 5, RelevanceThreshold: 0.3, DecayFactor: 0.95, MaxContextTokens: 24000}
	if err := good.Validate(); err != nil {
		t.Fatalf("baseline invalid: %v", err)
	}

	bad := []struct {
		name   string
		mutate func(*MemoryConfig)
	}{
		{"zero retrieval count", func(m *MemoryConfig) { m.RetrievalCount = 0 }},
		{"retrieval count over cap", func(m *MemoryConfig) { m.RetrievalCount = 101 }},
		{"threshold above one", func(m *MemoryConfig) { m.RelevanceThreshold = 1.5 }},
		{"decay below floor", func(m *MemoryConfig) { m.DecayFactor = 0.4 }},
		{"context window too small", func(m *MemoryConfig) { m.MaxContextTokens = 10 }},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			m := good
			tc.mutate(&m)
			if err := m.Validate(); err == nil {
				t.Error("validation passed, want an error")
			}
		})
	}
}

func TestAuthModeValidation(t *testing.T) {
	cfg := Default()
	cfg.Auth.Mode = "creator-token"
	if err := cfg.Validate(); err == nil {
		t.Error("creator-token mode without a token passed validation")
	}
	cfg.Auth.CreatorToken = "tok"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with token: %v", err)
	}
	cfg.Auth.Mode = "oauth"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown auth mode passed validation")
	}
}

func TestTierReferenceValidation(t *testing.T) {
	cfg := Default()
	cfg.Tiers["level1"] = append(cfg.Tiers["level1"], TierEntry{Provider: "nonexistent", Model: "x"})
	if err := cfg.Validate(); err == nil {
		t.Error("tier pointing at an unknown provider passed validation")
	}
}

func TestDuplicateProviderValidation(t *testing.T) {
	cfg := Default()
	cfg.Providers = append(cfg.Providers, cfg.Providers[0])
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate provider name passed validation")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default config invalid: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	if lvl, err := ParseLogLevel("trace"); err != nil || lvl != LevelTrace {
		t.Errorf("ParseLogLevel(trace) = %v, %v", lvl, err)
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("ParseLogLevel(loud) did not error")
	}
}

func TestNewLoggerUnknownFormat(t *testing.T) {
	if _, err := NewLogger(os.Stderr, "info", "xml"); err == nil {
		t.Error("NewLogger accepted an unknown format")
	}
}

package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	os.Unsetenv("LLM_API_KEY")
	os.Unsetenv("PORT")
	os.Unsetenv("CONFIG_PATH")

	cfg := LoadConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Diff.ContextLines != 5 {
		t.Errorf("expected diff.context_lines 5, got %d", cfg.Diff.ContextLines)
	}
	if cfg.Diff.MaxLinesPerChunk != 1500 {
		t.Errorf("expected diff.max_lines_per_chunk 1500, got %d", cfg.Diff.MaxLinesPerChunk)
	}
	if cfg.Agent.Aggregation.SimilarityThreshold != 0.85 {
		t.Errorf("expected similarity threshold 0.85, got %v", cfg.Agent.Aggregation.SimilarityThreshold)
	}
	if cfg.Result.TTL != 24*time.Hour {
		t.Errorf("expected result ttl 24h, got %v", cfg.Result.TTL)
	}
}

func TestLoadConfig_SCMTokensFromEnv(t *testing.T) {
	os.Setenv("SCM_KIND_A_TOKEN", "token-a")
	os.Setenv("SCM_KIND_B_TOKEN", "token-b")
	defer func() {
		os.Unsetenv("SCM_KIND_A_TOKEN")
		os.Unsetenv("SCM_KIND_B_TOKEN")
	}()

	cfg := LoadConfig()

	if cfg.SCM.KindA.Token != "token-a" {
		t.Errorf("expected kind a token, got %s", cfg.SCM.KindA.Token)
	}
	if cfg.SCM.KindB.Token != "token-b" {
		t.Errorf("expected kind b token, got %s", cfg.SCM.KindB.Token)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	yamlContent := `
log:
  level: DEBUG
server:
  port: 1234
llm:
  model: custom-model
scm:
  kind_a:
    base_url: http://custom-scm:8080
agent:
  aggregation:
    max_issues_per_file: 3
`
	tmpfile, err := os.CreateTemp("", "config*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(yamlContent)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	os.Setenv("CONFIG_PATH", tmpfile.Name())
	defer os.Unsetenv("CONFIG_PATH")

	cfg := LoadConfig()

	if cfg.Log.Level != "DEBUG" {
		t.Errorf("expected Log.Level DEBUG, got %s", cfg.Log.Level)
	}
	if cfg.Server.Port != 1234 {
		t.Errorf("expected Port 1234, got %d", cfg.Server.Port)
	}
	if cfg.LLM.Model != "custom-model" {
		t.Errorf("expected LLM Model custom-model, got %s", cfg.LLM.Model)
	}
	if cfg.SCM.KindA.BaseURL != "http://custom-scm:8080" {
		t.Errorf("expected kind a base_url, got %s", cfg.SCM.KindA.BaseURL)
	}
	if cfg.Agent.Aggregation.MaxIssuesPerFile != 3 {
		t.Errorf("expected max_issues_per_file 3, got %d", cfg.Agent.Aggregation.MaxIssuesPerFile)
	}
}

func TestValidate_RequiresAPIKeyAndSCMBaseURL(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Storage.DSN = "reviewd.db"

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error with no API key or SCM base_url")
	}

	cfg.LLM.APIKey = "key"
	cfg.SCM.KindA.BaseURL = "http://scm.example"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

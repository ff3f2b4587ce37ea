package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chainpilot.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Agent.MaxIterations != 25 || cfg.Agent.RetryAttempts != 10 || cfg.Agent.RetryDelayMillis != 2000 {
		t.Fatalf("unexpected agent defaults %+v", cfg.Agent)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.Gemini.APIKeyEnv != "GEMINI_API_KEY" {
		t.Fatalf("unexpected llm defaults %+v", cfg.LLM)
	}
	if cfg.Web3.DevnetRPCURL != "https://api.devnet.solana.com" || cfg.Web3.Commitment != "confirmed" {
		t.Fatalf("unexpected web3 defaults %+v", cfg.Web3)
	}
	if cfg.Storage.Contacts.Driver != "memory" || cfg.Price.Cache != "memory" || cfg.Events.Driver != "none" {
		t.Fatalf("unexpected backend defaults")
	}
	if cfg.Vault.ProfilesFile != filepath.Join(dir, "profiles.yaml") {
		t.Fatalf("unexpected profiles path %s", cfg.Vault.ProfilesFile)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
}

func TestLoadResolvesRelativePathsAndSecrets(t *testing.T) {
	t.Setenv("CP_TEST_GEMINI", "from-env")
	t.Setenv("CP_TEST_TOKEN", "bearer-from-env")
	t.Setenv("CP_TEST_WEBHOOK", "https://hooks.example.com/alert")
	path := writeConfig(t, `{
  "llm": {"gemini": {"api_key": "inline", "api_key_env": "CP_TEST_GEMINI"}},
  "observability": {"alert_webhook_url_env": "CP_TEST_WEBHOOK"},
  "web3": {"networks_file": "networks.yaml"},
  "auth": {"mode": "static", "tokens": [{"token_env": "CP_TEST_TOKEN", "subject": "alice"}]}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Gemini.APIKey != "from-env" {
		t.Fatalf("env key not applied: %q", cfg.LLM.Gemini.APIKey)
	}
	if cfg.Auth.Tokens[0].Token != "bearer-from-env" {
		t.Fatalf("token env not applied")
	}
	if cfg.Observability.AlertWebhookURL != "https://hooks.example.com/alert" {
		t.Fatalf("webhook env not applied: %q", cfg.Observability.AlertWebhookURL)
	}
	if cfg.Web3.NetworksFile != filepath.Join(filepath.Dir(path), "networks.yaml") {
		t.Fatalf("networks file not resolved: %s", cfg.Web3.NetworksFile)
	}
	if cfg.Web3.DevnetRPCURL != "" {
		t.Fatalf("inline devnet default must not apply when a networks file is set")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"provider":     `{"llm": {"provider": "bard"}}`,
		"contacts dsn": `{"storage": {"contacts": {"driver": "mysql"}}}`,
		"redis cache":  `{"price": {"cache": "redis"}}`,
		"events url":   `{"events": {"driver": "rabbitmq"}}`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/chainpilot.json")
	if Path() != "/etc/chainpilot.json" {
		t.Fatalf("unexpected path %s", Path())
	}
	t.Setenv(EnvConfigPath, "")
	if Path() != DefaultPath {
		t.Fatalf("unexpected default path %s", Path())
	}
}

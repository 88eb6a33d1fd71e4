package config

import (
	"os"
	"testing"
)

func clearFastflowEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FASTFLOW_ENV", "FASTFLOW_EXECUTOR_BACKEND", "FASTFLOW_STORE_DRIVER",
		"FASTFLOW_GLOBAL_CONCURRENCY", "FASTFLOW_MASTER_KEY_ENV", "FASTFLOW_MASTER_KEY",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearFastflowEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != Development {
		t.Fatalf("expected development by default, got %s", cfg.Env)
	}
	if cfg.ExecutorBackend != "docker" {
		t.Fatalf("expected docker backend by default, got %s", cfg.ExecutorBackend)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("expected sqlite driver by default, got %s", cfg.StoreDriver)
	}
	if cfg.GlobalConcurrencyLimit <= 0 {
		t.Fatalf("expected a positive default concurrency limit")
	}
}

func TestLoadRejectsInvalidExecutorBackend(t *testing.T) {
	clearFastflowEnv(t)
	os.Setenv("FASTFLOW_EXECUTOR_BACKEND", "lambda")
	defer os.Unsetenv("FASTFLOW_EXECUTOR_BACKEND")

	if _, err := Load(); err == nil {
		t.Fatalf("expected an error for an unknown executor backend")
	}
}

func TestLoadRequiresMasterKeyInProduction(t *testing.T) {
	clearFastflowEnv(t)
	os.Setenv("FASTFLOW_ENV", "production")
	defer os.Unsetenv("FASTFLOW_ENV")

	if _, err := Load(); err == nil {
		t.Fatalf("expected production load without a master key to fail")
	}

	os.Setenv("FASTFLOW_MASTER_KEY", "deadbeef")
	defer os.Unsetenv("FASTFLOW_MASTER_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production environment")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	os.Setenv("FASTFLOW_TEST_STR", "value")
	os.Setenv("FASTFLOW_TEST_INT", "42")
	os.Setenv("FASTFLOW_TEST_BOOL", "true")
	os.Setenv("FASTFLOW_TEST_DUR", "5s")
	defer func() {
		os.Unsetenv("FASTFLOW_TEST_STR")
		os.Unsetenv("FASTFLOW_TEST_INT")
		os.Unsetenv("FASTFLOW_TEST_BOOL")
		os.Unsetenv("FASTFLOW_TEST_DUR")
	}()

	if v := getEnv("FASTFLOW_TEST_STR", "default"); v != "value" {
		t.Fatalf("getEnv: got %q", v)
	}
	if v := getIntEnv("FASTFLOW_TEST_INT", 0); v != 42 {
		t.Fatalf("getIntEnv: got %d", v)
	}
	if v := getBoolEnv("FASTFLOW_TEST_BOOL", false); !v {
		t.Fatalf("getBoolEnv: got %v", v)
	}
	if v := getDurationEnv("FASTFLOW_TEST_DUR", 0); v.Seconds() != 5 {
		t.Fatalf("getDurationEnv: got %v", v)
	}
	if v := getEnv("FASTFLOW_TEST_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("getEnv fallback: got %q", v)
	}
}

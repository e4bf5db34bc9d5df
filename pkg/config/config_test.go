package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	t.Setenv("SHIPYARD_TEST_DURATION", "45")
	if got := GetDuration("SHIPYARD_TEST_DURATION", time.Second); got != 45*time.Second {
		t.Fatalf("expected bare integer as seconds, got %v", got)
	}
	t.Setenv("SHIPYARD_TEST_DURATION", "250ms")
	if got := GetDuration("SHIPYARD_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
	t.Setenv("SHIPYARD_TEST_DURATION", "soon")
	if got := GetDuration("SHIPYARD_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback for invalid value, got %v", got)
	}
}

func TestGetList(t *testing.T) {
	t.Setenv("SHIPYARD_TEST_LIST", " a:9092, ,b:9092 ")
	got := GetList("SHIPYARD_TEST_LIST", nil)
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected list: %v", got)
	}
	t.Setenv("SHIPYARD_TEST_LIST", ",")
	if got := GetList("SHIPYARD_TEST_LIST", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SHIPYARD_TEST_A=from-file\nSHIPYARD_TEST_B=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHIPYARD_TEST_A", "from-env")
	t.Setenv("SHIPYARD_TEST_B", "")
	os.Unsetenv("SHIPYARD_TEST_B")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SHIPYARD_TEST_B") })
	if got := os.Getenv("SHIPYARD_TEST_A"); got != "from-env" {
		t.Fatalf("existing variable overwritten: %q", got)
	}
	if got := os.Getenv("SHIPYARD_TEST_B"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}

func TestLoadAPIConfigDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DISPATCH_DRIVER", DispatchKubernetes)
	cfg := LoadAPIConfig()
	if cfg.KafkaTopic != "container-logs" || cfg.KafkaGroup != "api-server-logs-consumer" {
		t.Fatalf("unexpected topic defaults: %q %q", cfg.KafkaTopic, cfg.KafkaGroup)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected two brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.Dispatch.Driver != DispatchKubernetes || cfg.Dispatch.KafkaBroker != "k1:9092,k2:9092" {
		t.Fatalf("unexpected dispatch config: %+v", cfg.Dispatch)
	}
	if cfg.ConsumerName == "" {
		t.Fatal("expected a consumer name")
	}
}

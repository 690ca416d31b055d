package main

import (
	"log/slog"
	"testing"
	"time"

	"mentorlive/internal/pool"
)

func TestConfigureDriftQueueMemory(t *testing.T) {
	queue, err := configureDriftQueue("", pool.RedisQueueConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("configureDriftQueue returned error: %v", err)
	}
	if queue == nil {
		t.Fatalf("configureDriftQueue returned nil queue")
	}
}

func TestConfigureDriftQueueRedisMissingAddress(t *testing.T) {
	_, err := configureDriftQueue("redis", pool.RedisQueueConfig{}, slog.Default())
	if err == nil {
		t.Fatal("configureDriftQueue redis expected error when addr missing")
	}
}

func TestConfigureDriftQueueUnknownDriver(t *testing.T) {
	if _, err := configureDriftQueue("kafka", pool.RedisQueueConfig{}, slog.Default()); err == nil {
		t.Fatal("configureDriftQueue expected error for unknown driver")
	}
}

func TestResolveStorageDriverDefaultsToPostgres(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", driver)
	}
}

func TestResolveStorageDriverDefaultsToJSON(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "json" {
		t.Fatalf("expected json driver, got %q", driver)
	}
}

func TestResolveStorageDriverFlagWins(t *testing.T) {
	driver, err := resolveStorageDriver("JSON", "postgres", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if driver != "json" {
		t.Fatalf("expected flag driver to win, got %q", driver)
	}
}

func TestValidateProductionDatastoreRejectsNonPostgres(t *testing.T) {
	if err := validateProductionDatastore("json", "postgres://example"); err == nil {
		t.Fatal("expected error when production mode uses non-postgres driver")
	}
}

func TestValidateProductionDatastoreRequiresDSN(t *testing.T) {
	if err := validateProductionDatastore("postgres", ""); err == nil {
		t.Fatal("expected error when resolved Postgres DSN is empty")
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv("MENTORLIVE_POSTGRES_DSN", "postgres://env")
	t.Setenv("DATABASE_URL", "postgres://database")
	got := resolvePostgresDSN("postgres://flag")
	if got != "postgres://flag" {
		t.Fatalf("expected flag DSN to win, got %q", got)
	}
	got = resolvePostgresDSN("")
	if got != "postgres://env" {
		t.Fatalf("expected MENTORLIVE_POSTGRES_DSN to win, got %q", got)
	}
	t.Setenv("MENTORLIVE_POSTGRES_DSN", "")
	got = resolvePostgresDSN("")
	if got != "postgres://database" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", got)
	}
}

func TestResolveListenAddr(t *testing.T) {
	t.Parallel()

	if addr := resolveListenAddr(":9000", "production", ":7000"); addr != ":9000" {
		t.Fatalf("expected flag addr to win, got %q", addr)
	}
	if addr := resolveListenAddr("", "production", ":7000"); addr != ":7000" {
		t.Fatalf("expected env addr to win, got %q", addr)
	}
	if addr := resolveListenAddr("", "production", ""); addr != ":80" {
		t.Fatalf("expected production default :80, got %q", addr)
	}
	if addr := resolveListenAddr("", "development", ""); addr != ":8080" {
		t.Fatalf("expected development default :8080, got %q", addr)
	}
}

func TestModeValueNormalises(t *testing.T) {
	t.Parallel()

	if mode := modeValue(" Production ", ""); mode != "production" {
		t.Fatalf("expected production, got %q", mode)
	}
	if mode := modeValue("", "STAGING"); mode != "staging" {
		t.Fatalf("expected staging, got %q", mode)
	}
	if mode := modeValue("", ""); mode != "development" {
		t.Fatalf("expected development default, got %q", mode)
	}
}

func TestSplitAndTrim(t *testing.T) {
	t.Parallel()

	got := splitAndTrim(" https://a.example , ,https://b.example ")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected split result: %#v", got)
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}

func TestResolveDuration(t *testing.T) {
	if got := resolveDuration(5*time.Second, "MENTORLIVE_TEST_DURATION", time.Minute); got != 5*time.Second {
		t.Fatalf("expected flag value to win, got %v", got)
	}
	t.Setenv("MENTORLIVE_TEST_DURATION", "30s")
	if got := resolveDuration(0, "MENTORLIVE_TEST_DURATION", time.Minute); got != 30*time.Second {
		t.Fatalf("expected env value, got %v", got)
	}
	t.Setenv("MENTORLIVE_TEST_DURATION", "")
	if got := resolveDuration(0, "MENTORLIVE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestResolveBool(t *testing.T) {
	if !resolveBool(true, "MENTORLIVE_TEST_BOOL") {
		t.Fatal("expected flag true to win")
	}
	t.Setenv("MENTORLIVE_TEST_BOOL", "true")
	if !resolveBool(false, "MENTORLIVE_TEST_BOOL") {
		t.Fatal("expected env true")
	}
	t.Setenv("MENTORLIVE_TEST_BOOL", "not-a-bool")
	if resolveBool(false, "MENTORLIVE_TEST_BOOL") {
		t.Fatal("expected malformed env to resolve false")
	}
}

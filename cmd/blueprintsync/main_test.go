package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_TEST_INT", "42")
	got := intEnv("BLUEPRINTSYNC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_TEST_INT_BAD", "not-a-number")
	got := intEnv("BLUEPRINTSYNC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_TEST_DURATION", "150ms")
	got := durationEnv("BLUEPRINTSYNC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_TEST_DURATION_BAD", "soon")
	got := durationEnv("BLUEPRINTSYNC_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("BLUEPRINTSYNC_TEST_INT_UNSET")
	_ = os.Unsetenv("BLUEPRINTSYNC_TEST_DURATION_UNSET")

	if got := intEnv("BLUEPRINTSYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("BLUEPRINTSYNC_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestStorageProfileDefaultsMemory(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_BACKEND_PROFILE", "memory")
	storeDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if storeDSN != "memory://" || queueDSN != "memory://" {
		t.Fatalf("unexpected defaults: store=%q queue=%q", storeDSN, queueDSN)
	}
}

func TestStorageProfileDefaultsDurableLocal(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_BACKEND_PROFILE", "durable-local")
	t.Setenv("BLUEPRINTSYNC_DATA_DIR", "/var/lib/blueprintsync")
	storeDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if storeDSN != "badger://"+filepath.Join("/var/lib/blueprintsync", "store") {
		t.Fatalf("unexpected store dsn: %q", storeDSN)
	}
	if queueDSN != "file://"+filepath.Join("/var/lib/blueprintsync", "reconcile-queue.json") {
		t.Fatalf("unexpected queue dsn: %q", queueDSN)
	}
}

func TestStorageProfileProductionRequiresDSN(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_BACKEND_PROFILE", "production")
	t.Setenv("BLUEPRINTSYNC_PRODUCTION_DSN", "")
	t.Setenv("BLUEPRINTSYNC_POSTGRES_DSN", "")
	if _, _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatal("expected error without a production DSN")
	}

	t.Setenv("BLUEPRINTSYNC_POSTGRES_DSN", "postgres://localhost/blueprintsync")
	storeDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if storeDSN != "postgres://localhost/blueprintsync" || queueDSN != storeDSN {
		t.Fatalf("unexpected defaults: store=%q queue=%q", storeDSN, queueDSN)
	}
}

func TestStorageProfileRejectsUnknown(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_BACKEND_PROFILE", "cloud-magic")
	_, _, err := storageProfileDefaultsFromEnv()
	if err == nil || !strings.Contains(err.Error(), "cloud-magic") {
		t.Fatalf("expected unsupported-profile error, got %v", err)
	}
}

func TestBuildStoreFromEnvExplicitDSNWins(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_BACKEND_PROFILE", "memory")
	t.Setenv("BLUEPRINTSYNC_STORE_DSN", "memory://")
	store, err := buildStoreFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer store.Close()
	if store == nil {
		t.Fatal("expected a store")
	}
}

func TestLoadPolicyFromEnvDefaultsWithoutFile(t *testing.T) {
	t.Setenv("BLUEPRINTSYNC_POLICY_FILE", "")
	policy, path, err := loadPolicyFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Fatalf("expected empty watch path, got %q", path)
	}
	if !policy.DryRunDefault {
		t.Fatal("default policy must keep dry-run on")
	}
}

func TestLoadPolicyFromEnvReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"dryRunDefault": false, "maxRetries": 5}`), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	t.Setenv("BLUEPRINTSYNC_POLICY_FILE", path)
	policy, watchPath, err := loadPolicyFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if watchPath != path {
		t.Fatalf("watch path = %q, want %q", watchPath, path)
	}
	if policy.DryRunDefault || policy.MaxRetries != 5 {
		t.Fatalf("policy = %+v", policy)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.ControlTower.NumRooms != 4 {
		t.Fatalf("default num rooms")
	}
	if cfg.ControlTower.ReadersPerRoom != 2 {
		t.Fatalf("default readers per room")
	}
	if cfg.ControlTower.LogRange.First != 1 || cfg.ControlTower.LogRange.Last != 4095 {
		t.Fatalf("default log range")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "towerctl.json")
	data := []byte(`{"controlTower":{"numRooms":8,"readersPerRoom":3,"maxSubscriptionLag":500,"logRange":{"first":0,"last":63}}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlTower.NumRooms != 8 {
		t.Fatalf("expected 8 rooms, got %d", cfg.ControlTower.NumRooms)
	}
	if cfg.ControlTower.ReadersPerRoom != 3 {
		t.Fatalf("expected 3 readers per room")
	}
	if cfg.ControlTower.MaxSubscriptionLag != 500 {
		t.Fatalf("expected lag 500")
	}
	if cfg.ControlTower.LogRange.First != 0 || cfg.ControlTower.LogRange.Last != 63 {
		t.Fatalf("expected log range [0,63], got %+v", cfg.ControlTower.LogRange)
	}
	// Fields absent from the file keep their defaults.
	if cfg.ControlTower.CacheSizePerRoomBytes != 64<<20 {
		t.Fatalf("expected default cache size to survive partial override")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	os.Setenv("TOWERCTL_NUM_ROOMS", "12")
	os.Setenv("TOWERCTL_MAX_SUBSCRIPTION_LAG", "777")
	os.Setenv("TOWERCTL_CACHE_SYSTEM_NAMESPACES", "true")
	os.Setenv("TOWERCTL_LOG_RANGE_LAST", "511")
	t.Cleanup(func() {
		os.Unsetenv("TOWERCTL_NUM_ROOMS")
		os.Unsetenv("TOWERCTL_MAX_SUBSCRIPTION_LAG")
		os.Unsetenv("TOWERCTL_CACHE_SYSTEM_NAMESPACES")
		os.Unsetenv("TOWERCTL_LOG_RANGE_LAST")
	})
	FromEnv(&cfg)
	if cfg.ControlTower.NumRooms != 12 {
		t.Fatalf("env override num rooms")
	}
	if cfg.ControlTower.MaxSubscriptionLag != 777 {
		t.Fatalf("env override max lag")
	}
	if !cfg.ControlTower.CacheSystemNamespaces {
		t.Fatalf("env override cache system namespaces")
	}
	if cfg.ControlTower.LogRange.Last != 511 {
		t.Fatalf("env override log range last")
	}
}

package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	ControlTower ControlTowerConfig `json:"controlTower"`
}

// LogRange is the inclusive [First, Last] range of log ids the
// LogRouter hashes topics into.
type LogRange struct {
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
}

// ControlTowerConfig captures the knobs spec.md §6 names: room count and
// per-room reader pool size, the subscription lag bound, the record
// cache's size and system-namespace policy, and the log id range the
// router hashes into.
type ControlTowerConfig struct {
	NumRooms              int      `json:"numRooms"`
	ReadersPerRoom        int      `json:"readersPerRoom"`
	MaxSubscriptionLag    int64    `json:"maxSubscriptionLag"`
	CacheSizePerRoomBytes int64    `json:"cacheSizePerRoomBytes"`
	CacheSystemNamespaces bool     `json:"cacheSystemNamespaces"`
	LogRange              LogRange `json:"logRange"`
	RoomQueueDepth        int      `json:"roomQueueDepth"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		ControlTower: ControlTowerConfig{
			NumRooms:              4,
			ReadersPerRoom:        2,
			MaxSubscriptionLag:    10000,
			CacheSizePerRoomBytes: 64 << 20,
			CacheSystemNamespaces: false,
			LogRange:              LogRange{First: 1, Last: 4095},
			RoomQueueDepth:        64 * 1024,
		},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
// A path ending in .yaml or .yml is rejected with an error; any other extension is parsed as JSON.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	ext := filepath.Ext(path)
	switch ext {
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	case ".yaml", ".yml":
		// Lazy inline YAML support via json tags using a minimal shim to keep deps light.
		// If YAML is needed now, prefer adding gopkg.in/yaml.v3; for MVP we accept JSON-only.
		return Config{}, errors.New("yaml config not supported yet; use JSON for now")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

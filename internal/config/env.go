package config

import (
	"os"
	"strconv"
)

// FromEnv overlays TOWERCTL_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("TOWERCTL_NUM_ROOMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ControlTower.NumRooms = n
		}
	}
	if v := os.Getenv("TOWERCTL_READERS_PER_ROOM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ControlTower.ReadersPerRoom = n
		}
	}
	if v := os.Getenv("TOWERCTL_MAX_SUBSCRIPTION_LAG"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ControlTower.MaxSubscriptionLag = n
		}
	}
	if v := os.Getenv("TOWERCTL_CACHE_SIZE_PER_ROOM_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ControlTower.CacheSizePerRoomBytes = n
		}
	}
	if v := os.Getenv("TOWERCTL_CACHE_SYSTEM_NAMESPACES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ControlTower.CacheSystemNamespaces = b
		}
	}
	if v := os.Getenv("TOWERCTL_LOG_RANGE_FIRST"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ControlTower.LogRange.First = n
		}
	}
	if v := os.Getenv("TOWERCTL_LOG_RANGE_LAST"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ControlTower.LogRange.Last = n
		}
	}
	if v := os.Getenv("TOWERCTL_ROOM_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ControlTower.RoomQueueDepth = n
		}
	}
}

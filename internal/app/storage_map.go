package app

import (
	"fmt"
	"strings"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/storage"
)

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)

	switch driver := config.NormalizeDriver(sc.Driver); driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "redis":
		r := sc.Redis
		if strings.TrimSpace(r.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: driver, Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(r.Addr),
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		}}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// Package config locates the cogno data directory and loads its configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // Asia/Tokyo must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/msageha/cogno/internal/model"
)

const (
	DirName  = ".cogno"
	FileName = "config.yaml"
	envFile  = ".env"
)

// Load reads <dataDir>/config.yaml, applies defaults, and loads <dataDir>/.env into the
// process environment without overriding variables that are already set.
func Load(dataDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, FileName))
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", FileName, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return model.Config{}, err
	}
	if err := godotenv.Load(filepath.Join(dataDir, envFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	return cfg, nil
}

func Parse(data []byte) (model.Config, error) {
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", FileName, err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func Validate(cfg model.Config) error {
	switch cfg.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", cfg.Store.Driver)
	}
	s := cfg.Schedule
	if s.QuietStartHour < 0 || s.QuietStartHour > 23 || s.QuietEndHour < 0 || s.QuietEndHour > 23 {
		return fmt.Errorf("schedule: quiet hours must be within 0-23 (got %d-%d)", s.QuietStartHour, s.QuietEndHour)
	}
	if s.QuietStartHour == s.QuietEndHour {
		return fmt.Errorf("schedule: quiet_start_hour and quiet_end_hour must differ")
	}
	if _, err := Location(cfg); err != nil {
		return err
	}
	return nil
}

func Location(cfg model.Config) (*time.Location, error) {
	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone %q: %w", cfg.Schedule.Timezone, err)
	}
	return loc, nil
}

// ResolveDSN returns store.dsn, falling back to the environment variable named by store.dsn_env.
func ResolveDSN(cfg model.Config) string {
	if cfg.Store.DSN != "" {
		return cfg.Store.DSN
	}
	return os.Getenv(cfg.Store.DSNEnv)
}

// FindDataDir walks up from the working directory looking for a .cogno directory.
func FindDataDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

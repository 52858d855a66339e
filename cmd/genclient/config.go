// cmd/genclient/config.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"generation-job-service/internal/client/engine"
	"generation-job-service/internal/client/jobstate"
	"generation-job-service/internal/entity"
)

// fileConfig is the layout of the optional YAML config file.
type fileConfig struct {
	ServerURL string `yaml:"server_url"`
	UserID    string `yaml:"user_id"`
	Category  string `yaml:"category"`
	DBPath    string `yaml:"db_path"`

	RequestTimeout   time.Duration `yaml:"request_timeout,omitempty"`
	SettleDelay      time.Duration `yaml:"settle_delay,omitempty"`
	PeriodicInterval time.Duration `yaml:"periodic_interval,omitempty"`
	ProbeInterval    time.Duration `yaml:"probe_interval,omitempty"`

	Poll struct {
		MinInterval     time.Duration `yaml:"min_interval,omitempty"`
		MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
		Ramp            time.Duration `yaml:"ramp,omitempty"`
		Deadline        time.Duration `yaml:"deadline,omitempty"`
		BackgroundGrace time.Duration `yaml:"background_grace,omitempty"`
	} `yaml:"poll"`
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "genclient.db"
	}
	return filepath.Join(home, ".genclient", "state.db")
}

// readFileConfig parses path. A missing file is only an error when the path was given explicitly.
func readFileConfig(path string, explicit bool) (*fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &fc, nil
		}
		return nil, fmt.Errorf("could not read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	return &fc, nil
}

// resolve merges flags over the config file over the environment.
func (fc *fileConfig) resolve(flags globalFlags) (engine.Config, error) {
	pick := func(flag, file, envKey, def string) string {
		if flag != "" {
			return flag
		}
		if file != "" {
			return file
		}
		return getEnvOrDefault(envKey, def)
	}

	cfg := engine.Config{
		ServerURL:        pick(flags.serverURL, fc.ServerURL, "GENCLIENT_SERVER_URL", "http://localhost:8080"),
		UserID:           pick(flags.userID, fc.UserID, "GENCLIENT_USER_ID", ""),
		Category:         entity.Category(pick(flags.category, fc.Category, "GENCLIENT_CATEGORY", string(entity.CategoryPhotoEdit))),
		DBPath:           pick(flags.dbPath, fc.DBPath, "GENCLIENT_DB_PATH", defaultDBPath()),
		RequestTimeout:   fc.RequestTimeout,
		SettleDelay:      fc.SettleDelay,
		PeriodicInterval: fc.PeriodicInterval,
		ProbeInterval:    fc.ProbeInterval,
		Poll: jobstate.Config{
			MinInterval:     fc.Poll.MinInterval,
			MaxInterval:     fc.Poll.MaxInterval,
			Ramp:            fc.Poll.Ramp,
			Deadline:        fc.Poll.Deadline,
			BackgroundGrace: fc.Poll.BackgroundGrace,
		},
	}
	if cfg.UserID == "" {
		return cfg, fmt.Errorf("user id is required (--user, user_id in the config file or GENCLIENT_USER_ID)")
	}
	if !cfg.Category.Valid() {
		return cfg, fmt.Errorf("unknown category %q", cfg.Category)
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cfg, fmt.Errorf("create state dir: %w", err)
		}
	}
	return cfg, nil
}

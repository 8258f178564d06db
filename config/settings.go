package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/liamcoop/rescueplan/matcher"
	"github.com/liamcoop/rescueplan/optimizer"
	"github.com/liamcoop/rescueplan/scoring"
)

// Knowledge and inventory sources.
const (
	SourceYAML     = "yaml"
	SourcePostgres = "postgres"
	SourceMemory   = "memory"
)

// Settings is the service configuration.
type Settings struct {
	Server    ServerSettings    `toml:"server"`
	Database  DatabaseSettings  `toml:"database"`
	Knowledge KnowledgeSettings `toml:"knowledge"`
	Inventory InventorySettings `toml:"inventory"`
	RunStore  RunStoreSettings  `toml:"run_store"`
	Pipeline  PipelineSettings  `toml:"pipeline"`
	Matcher   matcher.Config    `toml:"matcher"`
	Optimizer optimizer.Config  `toml:"optimizer"`
	Scoring   scoring.Config    `toml:"scoring"`
	Path      string            `toml:"-"`
}

type ServerSettings struct {
	Port            int           `toml:"port"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type DatabaseSettings struct {
	URL string `toml:"url"`
}

type KnowledgeSettings struct {
	// Source is yaml or postgres.
	Source   string        `toml:"source"`
	Path     string        `toml:"path"`
	CacheTTL time.Duration `toml:"cache_ttl"`
}

type InventorySettings struct {
	// Source is memory or postgres. A memory inventory is seeded from
	// SeedPath.
	Source   string `toml:"source"`
	SeedPath string `toml:"seed_path"`
}

type RunStoreSettings struct {
	// Path of the SQLite run log. Empty disables it.
	Path string `toml:"path"`
}

type PipelineSettings struct {
	// Commit reserves the recommended resources after scoring.
	Commit bool `toml:"commit"`
}

// DefaultSettings returns settings for a local, file-backed setup.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{
			Port:            8080,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Knowledge: KnowledgeSettings{
			Source:   SourceYAML,
			Path:     "knowledge",
			CacheTTL: time.Minute,
		},
		Inventory: InventorySettings{Source: SourceMemory},
		Matcher:   matcher.DefaultConfig(),
		Optimizer: optimizer.DefaultConfig(),
		Scoring:   scoring.DefaultConfig(),
	}
}

// LoadSettings reads a TOML settings file over the defaults and applies
// environment overrides. An empty path skips the file. Unknown keys are
// errors.
func LoadSettings(path string) (Settings, error) {
	cfg := DefaultSettings()

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return Settings{}, err
		}
		bytes, err := os.ReadFile(resolved)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file %s: %w", resolved, err)
		}
		meta, err := toml.Decode(string(bytes), &cfg)
		if err != nil {
			return Settings{}, fmt.Errorf("decode config file: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return Settings{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
		cfg.Path = resolved
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Settings{}, err
	}
	return cfg, cfg.validate()
}

func (s *Settings) applyEnv(getenv func(string) string) error {
	if v := getenv("DATABASE_URL"); v != "" {
		s.Database.URL = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		s.Server.Port = port
	}
	if v := getenv("RUN_DB_PATH"); v != "" {
		s.RunStore.Path = v
	}
	if v := getenv("KNOWLEDGE_PATH"); v != "" {
		s.Knowledge.Path = v
	}
	return nil
}

func (s Settings) validate() error {
	switch s.Knowledge.Source {
	case SourceYAML:
		if s.Knowledge.Path == "" {
			return fmt.Errorf("knowledge.path is required for the yaml source")
		}
	case SourcePostgres:
		if s.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres knowledge source")
		}
	default:
		return fmt.Errorf("unknown knowledge source %q", s.Knowledge.Source)
	}
	switch s.Inventory.Source {
	case SourceMemory:
	case SourcePostgres:
		if s.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres inventory")
		}
	default:
		return fmt.Errorf("unknown inventory source %q", s.Inventory.Source)
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Server.Port)
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for gridsync.
type Config struct {
	// DataDir is where the local record store (state.db) lives.
	// Defaults to ~/.gridsync when empty.
	DataDir string `env:"GRIDSYNC_DATA_DIR"`

	// Project is the id of the project to activate on startup.
	Project string `env:"GRIDSYNC_PROJECT"`

	// MirrorDir is the folder to mirror the active project into. When
	// empty and no handle entry is persisted for the project, the engine
	// runs in offline mode (local store only).
	MirrorDir string `env:"GRIDSYNC_MIRROR_DIR"`

	// ManifestPath points at an optional projects.yaml declaring known
	// projects and their mirror folders. Entries are registered in the
	// record store on startup.
	ManifestPath string `env:"GRIDSYNC_PROJECTS_MANIFEST"`

	// Debounce is the quiet window after a node save before a sync cycle
	// is triggered for that record.
	Debounce time.Duration `env:"GRIDSYNC_DEBOUNCE" envDefault:"2s"`

	// SyncInterval is the periodic sync timer. Zero disables it; the
	// debounce, focus, and manual triggers still run.
	SyncInterval time.Duration `env:"GRIDSYNC_SYNC_INTERVAL" envDefault:"30s"`

	// StatusListenAddr is where the status feed WebSocket listens.
	// Empty disables the feed.
	StatusListenAddr string `env:"GRIDSYNC_STATUS_ADDR" envDefault:"127.0.0.1:7117"`

	// ConflictPolicy decides what happens when a record changed on both
	// sides while no interactive resolver is attached. "manual" leaves
	// conflicts pending for the UI; "keep-local" and "keep-external"
	// auto-resolve every conflict in that direction.
	ConflictPolicy string `env:"GRIDSYNC_CONFLICT_POLICY" envDefault:"manual"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing local paths to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve MirrorDir to an absolute path at startup. The mirror adapter
	// uses it for path traversal checks, which rely on string prefix
	// comparison and only work reliably with absolute paths.
	if cfg.MirrorDir != "" {
		absDir, err := filepath.Abs(cfg.MirrorDir)
		if err != nil {
			return nil, fmt.Errorf("resolving mirror dir to absolute path: %w", err)
		}

		cfg.MirrorDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Project == "" && c.ManifestPath == "" {
		return fmt.Errorf("GRIDSYNC_PROJECT or GRIDSYNC_PROJECTS_MANIFEST is required")
	}

	if c.Debounce <= 0 {
		return fmt.Errorf("GRIDSYNC_DEBOUNCE must be positive")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("GRIDSYNC_SYNC_INTERVAL must not be negative")
	}

	switch c.ConflictPolicy {
	case "manual", "keep-local", "keep-external":
	default:
		return fmt.Errorf("GRIDSYNC_CONFLICT_POLICY must be manual, keep-local, or keep-external")
	}

	return nil
}

// DefaultDataDir returns the default data directory: ~/.gridsync/
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".gridsync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ManifestProject is one project entry declared in projects.yaml.
type ManifestProject struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	MirrorDir string `yaml:"mirror_dir"`
}

// Manifest is the parsed projects.yaml file.
type Manifest struct {
	Projects []ManifestProject `yaml:"projects"`
}

// LoadManifest parses the projects manifest at the configured path.
// Returns an empty manifest when no path is configured.
func (c *Config) LoadManifest() (*Manifest, error) {
	if c.ManifestPath == "" {
		return &Manifest{}, nil
	}

	data, err := os.ReadFile(c.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading projects manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing projects manifest: %w", err)
	}

	seen := make(map[string]struct{}, len(m.Projects))

	for i, p := range m.Projects {
		if p.ID == "" {
			return nil, fmt.Errorf("projects manifest entry %d: missing id", i+1)
		}

		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate project id %q in projects manifest", p.ID)
		}

		seen[p.ID] = struct{}{}

		if p.MirrorDir != "" {
			absDir, err := filepath.Abs(p.MirrorDir)
			if err != nil {
				return nil, fmt.Errorf("resolving mirror dir for project %q: %w", p.ID, err)
			}

			m.Projects[i].MirrorDir = absDir
		}
	}

	return &m, nil
}

package core

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Dirs are the four toolchain/problem-root directories, all required,
// expanded to absolute paths and validated to exist by resolveDirs.
type Dirs struct {
	Problems  string `yaml:"problems"`
	Compilers string `yaml:"compilers"`
	Runners   string `yaml:"runners"`
	Checkers  string `yaml:"checkers"`
}

// Files names the staging/log files this worker reuses across attempts,
// resolved relative to the working directory passed on the CLI.
type Files struct {
	Stdin       string `yaml:"stdin"`
	Stdout      string `yaml:"stdout"`
	Stderr      string `yaml:"stderr"`
	EjudgeLog   string `yaml:"ejudge_log"`
	CompilerLog string `yaml:"compiler_log"`
}

// Behaviour holds the tunables described in spec §6.
type Behaviour struct {
	IntervalSeconds      float64 `yaml:"interval"`
	TimeMultiplier       float64 `yaml:"time_multiplier"`
	CheckerCommentMaxLen int     `yaml:"checker_comment_max_len"`
}

// EventsConfig configures the optional verdict pub/sub notifier (SPEC_FULL §6).
type EventsConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// StatusConfig configures the optional read-only status HTTP server
// (SPEC_FULL §6).
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DB holds the connection locator for the attempt store.
type DB struct {
	Locator string `yaml:"locator"`
}

// rawConfig is the on-disk YAML shape.
type rawConfig struct {
	DB        DB             `yaml:"db"`
	Dirs      Dirs           `yaml:"dirs"`
	Files     Files          `yaml:"files"`
	Behaviour Behaviour      `yaml:"behaviour"`
	Events    EventsConfig   `yaml:"events"`
	Status    StatusConfig   `yaml:"status"`
	Logging   map[string]any `yaml:"logging"`
}

// Config is the fully-resolved configuration: the raw YAML document plus
// the toolchain registries built by scanning Dirs.Compilers/Runners/Checkers.
type Config struct {
	DB        DB
	Dirs      Dirs
	Files     Files
	Behaviour Behaviour
	Events    EventsConfig
	Status    StatusConfig
	Logging   map[string]any

	Compilers Registry
	Runners   Registry
	Checkers  Registry
}

// LoadConfig reads and validates the YAML configuration file at path,
// resolving dirs to absolute paths and building the toolchain registries.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := resolveDirs(&raw.Dirs); err != nil {
		return Config{}, err
	}
	if raw.Behaviour.CheckerCommentMaxLen < 3 {
		return Config{}, fmt.Errorf("behaviour.checker_comment_max_len must be >= 3")
	}
	if raw.Behaviour.TimeMultiplier < 1 {
		return Config{}, fmt.Errorf("behaviour.time_multiplier must be >= 1")
	}

	cfg := Config{
		DB:        raw.DB,
		Dirs:      raw.Dirs,
		Files:     raw.Files,
		Behaviour: raw.Behaviour,
		Events:    raw.Events,
		Status:    raw.Status,
		Logging:   raw.Logging,
	}

	if cfg.Compilers, err = BuildRegistry(cfg.Dirs.Compilers); err != nil {
		return Config{}, err
	}
	if cfg.Runners, err = BuildRegistry(cfg.Dirs.Runners); err != nil {
		return Config{}, err
	}
	if cfg.Checkers, err = BuildRegistry(cfg.Dirs.Checkers); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// resolveDirs expands and validates each of the four required directories,
// rewriting them to their absolute, symlink-resolved form.
func resolveDirs(d *Dirs) error {
	fields := map[string]*string{
		"problems":  &d.Problems,
		"compilers": &d.Compilers,
		"runners":   &d.Runners,
		"checkers":  &d.Checkers,
	}
	for key, value := range fields {
		if *value == "" {
			return fmt.Errorf("dirs.%s is required", key)
		}
		expanded, err := expandUser(*value)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return err
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return fmt.Errorf("dirs.%s: %w", key, err)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("dirs.%s: %q is not a directory", key, resolved)
		}
		*value = resolved
	}
	return nil
}

// expandUser expands a leading "~" to the current user's home directory.
func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	if len(path) > 1 && (path[1] == '/' || path[1] == os.PathSeparator) {
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config at configPath.
// A directory is accepted when it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFile = absPath

	// Relative storage paths are anchored at the config file.
	baseDir := filepath.Dir(absPath)
	cfg.Storage.Path = resolvePath(baseDir, cfg.Storage.Path)
	cfg.Service.PIDFile = resolvePath(baseDir, cfg.Service.PIDFile)
	cfg.Registry.ModulesDir = resolvePath(baseDir, cfg.Registry.ModulesDir)
	return cfg, nil
}

// Parse decodes YAML config bytes, interpolating ${VAR} references from the
// environment before decoding. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := interpolateEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config location by checking standard places.
// Priority order: $MODREG_CONFIG_DIR, ~/.config/modreg, /etc/modreg, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("MODREG_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "modreg")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/modreg"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $MODREG_CONFIG_DIR, ~/.config/modreg, /etc/modreg, ./config.yaml)")
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.PIDFile == "" {
		cfg.Service.PIDFile = defaults.Service.PIDFile
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend == BackendSQLite {
		cfg.Storage.Path = defaults.Storage.Path
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = defaults.Storage.Redis.Addr
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = defaults.Storage.Redis.Prefix
	}

	if cfg.Dependencies.Backend == "" {
		cfg.Dependencies.Backend = defaults.Dependencies.Backend
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	switch cfg.Storage.Backend {
	case BackendSQLite:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case BackendRedis:
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of: sqlite, redis, memory (got %q)", cfg.Storage.Backend)
	}

	switch cfg.Dependencies.Backend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("dependencies.backend redis requires storage.redis.addr")
		}
	default:
		return fmt.Errorf("dependencies.backend must be memory or redis (got %q)", cfg.Dependencies.Backend)
	}
	// A store shared between processes needs shared edges.
	if cfg.Storage.Backend == BackendRedis && cfg.Dependencies.Backend != BackendRedis {
		return fmt.Errorf("storage.backend redis requires dependencies.backend redis")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}

	for _, s := range []string{cfg.Storage.Path, cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Registry.ModulesDir} {
		if m := envVarPattern.FindString(s); m != "" {
			return fmt.Errorf("unresolved environment variable %s", m)
		}
	}
	return nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

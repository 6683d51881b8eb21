package config

// Config represents the complete modreg configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Storage      StorageConfig      `yaml:"storage"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
	Registry     RegistryConfig     `yaml:"registry"`
	API          APIConfig          `yaml:"api"`

	// SourceFile is the absolute path the config was loaded from.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file"`
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// StorageConfig selects where composite definitions are persisted.
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig is shared by the redis storage and dependency backends.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DependenciesConfig selects the dependency tracker. The redis backend
// reuses storage.redis connection settings.
type DependenciesConfig struct {
	Backend string `yaml:"backend"`
}

// RegistryConfig points at an optional directory of extra primitive modules.
type RegistryConfig struct {
	ModulesDir string `yaml:"modules_dir"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "modreg",
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/modreg.pid",
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "./data/modreg.db",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "modreg",
			},
		},
		Dependencies: DependenciesConfig{
			Backend: BackendMemory,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
	}
}

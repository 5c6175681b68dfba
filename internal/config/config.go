package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xupit3r/clrun/internal/csr"
	"github.com/xupit3r/clrun/internal/hwinfo"
	"github.com/xupit3r/clrun/internal/memory"
	"github.com/xupit3r/clrun/internal/osinterface"
	"github.com/xupit3r/clrun/internal/runtime"
)

// EnvPrefix prefixes every environment override, e.g. CLRUN_CSR_BACKEND.
const EnvPrefix = "CLRUN"

// Config represents the application configuration
type Config struct {
	CSR     CSRConfig     `mapstructure:"csr"`
	AUB     AUBConfig     `mapstructure:"aub"`
	TBX     TBXConfig     `mapstructure:"tbx"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Debug   DebugConfig   `mapstructure:"debug"`
	CLI     CLIConfig     `mapstructure:"cli"`
	Logging LoggingConfig `mapstructure:"logging"`

	v *viper.Viper
}

type CSRConfig struct {
	Backend              string        `mapstructure:"backend"`
	HardwareGeneration   string        `mapstructure:"hardware_generation"`
	Engines              []string      `mapstructure:"engines"`
	LinearStreamSize     int64         `mapstructure:"linear_stream_size"`
	TagPollInterval      time.Duration `mapstructure:"tag_poll_interval"`
	SubmissionQueueDepth int           `mapstructure:"submission_queue_depth"`
}

type AUBConfig struct {
	File string `mapstructure:"file"`
}

type TBXConfig struct {
	Address     string        `mapstructure:"address"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type MemoryConfig struct {
	PoolMaxBytes     int64 `mapstructure:"pool_max_bytes"`
	DeviceMemory     int64 `mapstructure:"device_memory"`
	DeferredDeletion bool  `mapstructure:"deferred_deletion"`
}

type DebugConfig struct {
	Assertions    bool `mapstructure:"assertions"`
	PrintBuildLog bool `mapstructure:"print_build_log"`
}

type CLIConfig struct {
	Color           bool `mapstructure:"color"`
	SyntaxHighlight bool `mapstructure:"syntax_highlight"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	clrunDir := filepath.Join(home, ".clrun")
	def := csr.DefaultConfig()

	return &Config{
		CSR: CSRConfig{
			Backend:              def.Backend,
			HardwareGeneration:   string(def.Generation),
			Engines:              []string{def.Engine.String()},
			LinearStreamSize:     def.LinearStreamSize,
			TagPollInterval:      def.TagPollInterval,
			SubmissionQueueDepth: def.SubmissionQueueDepth,
		},
		AUB: AUBConfig{
			File: filepath.Join(clrunDir, "dumps", "clrun-%s.aub"),
		},
		TBX: TBXConfig{
			DialTimeout: def.TBXDialTimeout,
		},
		Memory: MemoryConfig{
			PoolMaxBytes:     64 << 20,
			DeferredDeletion: true,
		},
		Debug: DebugConfig{
			Assertions:    false,
			PrintBuildLog: true,
		},
		CLI: CLIConfig{
			Color:           true,
			SyntaxHighlight: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    filepath.Join(clrunDir, "clrun.log"),
			Console: false,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	// Config file setup
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".clrun"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.v = v

	// Expand paths
	cfg.ExpandPaths()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	kind, _, err := csr.ParseBackend(c.CSR.Backend)
	if err != nil {
		return fmt.Errorf("csr.backend: %w", err)
	}
	if kind == csr.BackendTBX && c.TBX.Address == "" {
		return errors.New("tbx.address is required for the tbx backend")
	}

	validGens := hwinfo.Generations()
	if !containsGen(validGens, hwinfo.Generation(c.CSR.HardwareGeneration)) {
		return fmt.Errorf("csr.hardware_generation must be one of: %v", validGens)
	}

	if len(c.CSR.Engines) == 0 || len(c.CSR.Engines) > memory.MaxOsContexts {
		return fmt.Errorf("csr.engines must list between 1 and %d engines", memory.MaxOsContexts)
	}
	seen := make(map[csr.EngineType]bool)
	for _, name := range c.CSR.Engines {
		e, err := csr.ParseEngine(name)
		if err != nil {
			return fmt.Errorf("csr.engines: %w", err)
		}
		if seen[e] {
			return fmt.Errorf("csr.engines lists %s twice", e)
		}
		seen[e] = true
	}

	if c.CSR.LinearStreamSize < 4096 {
		return errors.New("csr.linear_stream_size must be at least 4096")
	}
	if c.CSR.TagPollInterval <= 0 {
		return errors.New("csr.tag_poll_interval must be positive")
	}
	if c.Memory.PoolMaxBytes < 0 || c.Memory.DeviceMemory < 0 {
		return errors.New("memory sizes must not be negative")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// ExpandPaths expands ~ and environment variables in paths
func (c *Config) ExpandPaths() {
	c.AUB.File = expandPath(c.AUB.File)
	c.Logging.File = expandPath(c.Logging.File)
}

// Settings exposes the same sources as driver settings, so feature and
// workaround overrides such as CLRUN_FTR_FTRSVM apply.
func (c *Config) Settings() osinterface.Settings {
	return osinterface.NewViperSettings(c.v, EnvPrefix)
}

// CSRConfig converts the csr section for the first configured engine.
func (c *Config) CSRConfig() (csr.Config, error) {
	engine, err := csr.ParseEngine(c.CSR.Engines[0])
	if err != nil {
		return csr.Config{}, err
	}
	return csr.Config{
		Backend:              c.CSR.Backend,
		Generation:           hwinfo.Generation(c.CSR.HardwareGeneration),
		Engine:               engine,
		LinearStreamSize:     c.CSR.LinearStreamSize,
		TagPollInterval:      c.CSR.TagPollInterval,
		AUBFile:              c.AUB.File,
		TBXAddress:           c.TBX.Address,
		TBXDialTimeout:       c.TBX.DialTimeout,
		SubmissionQueueDepth: c.CSR.SubmissionQueueDepth,
	}, nil
}

// DeviceConfig builds the runtime device configuration. A zero device
// memory size is replaced by a budget derived from free host memory.
func (c *Config) DeviceConfig() (runtime.DeviceConfig, error) {
	cc, err := c.CSRConfig()
	if err != nil {
		return runtime.DeviceConfig{}, err
	}
	engines := make([]csr.EngineType, 0, len(c.CSR.Engines))
	for _, name := range c.CSR.Engines {
		e, err := csr.ParseEngine(name)
		if err != nil {
			return runtime.DeviceConfig{}, err
		}
		engines = append(engines, e)
	}
	deviceMemory := c.Memory.DeviceMemory
	if deviceMemory == 0 {
		deviceMemory = osinterface.DeviceMemoryBudget(0)
	}
	return runtime.DeviceConfig{
		CSR: cc,
		Memory: memory.Config{
			PoolMaxBytes:     c.Memory.PoolMaxBytes,
			DeferredDeletion: c.Memory.DeferredDeletion,
		},
		Engines:      engines,
		DeviceMemory: deviceMemory,
		Settings:     c.Settings(),
	}, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func containsGen(gens []hwinfo.Generation, g hwinfo.Generation) bool {
	for _, x := range gens {
		if x == g {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("csr.backend", cfg.CSR.Backend)
	v.SetDefault("csr.hardware_generation", cfg.CSR.HardwareGeneration)
	v.SetDefault("csr.engines", cfg.CSR.Engines)
	v.SetDefault("csr.linear_stream_size", cfg.CSR.LinearStreamSize)
	v.SetDefault("csr.tag_poll_interval", cfg.CSR.TagPollInterval)
	v.SetDefault("csr.submission_queue_depth", cfg.CSR.SubmissionQueueDepth)

	v.SetDefault("aub.file", cfg.AUB.File)

	v.SetDefault("tbx.address", cfg.TBX.Address)
	v.SetDefault("tbx.dial_timeout", cfg.TBX.DialTimeout)

	v.SetDefault("memory.pool_max_bytes", cfg.Memory.PoolMaxBytes)
	v.SetDefault("memory.device_memory", cfg.Memory.DeviceMemory)
	v.SetDefault("memory.deferred_deletion", cfg.Memory.DeferredDeletion)

	v.SetDefault("debug.assertions", cfg.Debug.Assertions)
	v.SetDefault("debug.print_build_log", cfg.Debug.PrintBuildLog)

	v.SetDefault("cli.color", cfg.CLI.Color)
	v.SetDefault("cli.syntax_highlight", cfg.CLI.SyntaxHighlight)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}

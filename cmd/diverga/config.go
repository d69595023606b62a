package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"diverga/pkg/protocol"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Backend names accepted by --backend.
const (
	backendDocument   = "document"
	backendRelational = "relational"
)

const (
	configName = "diverga"
	configType = "toml"
	envPrefix  = "DIVERGA"
)

// Config keys.
const (
	keyRoot             = "root"
	keyBackend          = "backend"
	keyDBPath           = "db_path"
	keyPrereqMap        = "prereq_map"
	keyOrchestrator     = "orchestrator"
	keyPriorityMaxChars = "priority_max_chars"
	keyPollInterval     = "poll_interval"
	keyLogLevel         = "log_level"
	keyTrace            = "trace"
	keyConfig           = "config"
)

// config is the resolved CLI configuration.
type config struct {
	Root             string
	Backend          string
	DBPath           string
	PrereqMap        string
	Orchestrator     string
	PriorityMaxChars int
	PollInterval     time.Duration
	LogLevel         string
	Trace            bool
	ConfigFile       string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyRoot, ".")
	v.SetDefault(keyBackend, backendDocument)
	v.SetDefault(keyOrchestrator, protocol.DefaultOrchestrator)
	v.SetDefault(keyPriorityMaxChars, protocol.DefaultPriorityMaxChars)
	v.SetDefault(keyPollInterval, 25*time.Millisecond)
	v.SetDefault(keyLogLevel, "warn")
}

// bindConfigFlags registers the persistent flags and binds them to v.
// Flags win over DIVERGA_* environment variables, which win over diverga.toml.
func bindConfigFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("root", ".", "project root holding research/ and .research/")
	flags.String("backend", backendDocument, "storage backend: document or relational")
	flags.String("db", "", "relational database path (default <root>/.research/diverga.db)")
	flags.String("prereq-map", "", "agent prerequisite map (.yaml, .toml or .json)")
	flags.String("orchestrator", protocol.DefaultOrchestrator, "agent id that receives progress reports")
	flags.String("config", "", "config file (default <root>/diverga.toml)")
	flags.String("log-level", "warn", "log level: debug, info, warn, error")
	flags.Bool("trace", false, "log a span for every tool call and storage transaction")

	for key, flag := range map[string]string{
		keyRoot:         "root",
		keyBackend:      "backend",
		keyDBPath:       "db",
		keyPrereqMap:    "prereq-map",
		keyOrchestrator: "orchestrator",
		keyConfig:       "config",
		keyLogLevel:     "log-level",
		keyTrace:        "trace",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
}

// loadConfig reads the optional config file and resolves every key.
func loadConfig(v *viper.Viper) (config, error) {
	root, err := filepath.Abs(v.GetString(keyRoot))
	if err != nil {
		return config{}, fmt.Errorf("resolve root: %w", err)
	}

	if file := v.GetString(keyConfig); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(root)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("%w: read config: %w", protocol.ErrInvalidArgument, err)
		}
	}

	cfg := config{
		Root:             root,
		Backend:          strings.ToLower(strings.TrimSpace(v.GetString(keyBackend))),
		DBPath:           resolvePath(v.GetString(keyDBPath), root, filepath.Join(protocol.SystemDir, protocol.DatabaseFile)),
		PrereqMap:        v.GetString(keyPrereqMap),
		Orchestrator:     v.GetString(keyOrchestrator),
		PriorityMaxChars: v.GetInt(keyPriorityMaxChars),
		PollInterval:     v.GetDuration(keyPollInterval),
		LogLevel:         v.GetString(keyLogLevel),
		Trace:            v.GetBool(keyTrace),
		ConfigFile:       v.ConfigFileUsed(),
	}

	switch cfg.Backend {
	case backendDocument, "documents", "yaml":
		cfg.Backend = backendDocument
	case backendRelational, "sqlite", "sql":
		cfg.Backend = backendRelational
	default:
		return config{}, fmt.Errorf("%w: unknown backend %q", protocol.ErrInvalidArgument, cfg.Backend)
	}
	if cfg.PriorityMaxChars <= 0 {
		return config{}, fmt.Errorf("%w: priority_max_chars must be positive", protocol.ErrInvalidArgument)
	}
	if cfg.PollInterval <= 0 {
		return config{}, fmt.Errorf("%w: poll_interval must be positive", protocol.ErrInvalidArgument)
	}
	return cfg, nil
}

// resolvePath returns value if set, otherwise joins base + suffix.
// Relative values are taken relative to the working directory.
func resolvePath(value, base, suffix string) string {
	if value != "" {
		if abs, err := filepath.Abs(os.ExpandEnv(value)); err == nil {
			return abs
		}
		return value
	}
	return filepath.Join(base, suffix)
}

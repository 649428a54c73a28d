// Package config loads process configuration from flags, TRAWL_ environment
// variables, an optional YAML file, and built-in defaults, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ethan516/trawl/internal/instance"
	"github.com/ethan516/trawl/internal/scanner"
)

const (
	envPrefix = "TRAWL"

	// DefaultAddr is where the controller listens and the agent dials.
	DefaultAddr = "127.0.0.1:9001"
)

// ErrHelp is returned when -h or --help was requested.
var ErrHelp = pflag.ErrHelp

// ScannerConfig holds the agent's scan limits.
type ScannerConfig struct {
	MaxFileSize int64  `mapstructure:"max_file_size" validate:"gt=0"`
	MaxCopySize int64  `mapstructure:"max_copy_size" validate:"gte=0"`
	RulesFile   string `mapstructure:"rules_file"`
}

// AgentConfig configures trawl-agent.
type AgentConfig struct {
	ControllerAddr string        `mapstructure:"controller_addr" validate:"required"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	Shell          string        `mapstructure:"shell"`
	PTY            bool          `mapstructure:"pty"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"gte=0"`
	Scanner        ScannerConfig `mapstructure:"scanner"`
	LockFile       string        `mapstructure:"lock_file"`
	LogLevel       string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
}

// ControllerConfig configures trawl-controller.
type ControllerConfig struct {
	ListenAddr   string `mapstructure:"listen_addr" validate:"required"`
	ExtractDir   string `mapstructure:"extract_dir" validate:"required"`
	NoColor      bool   `mapstructure:"no_color"`
	LogLevel     string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// flagBinding maps a command-line flag to a configuration key.
type flagBinding struct {
	key  string
	flag string
}

var agentFlags = []flagBinding{
	{key: "controller_addr", flag: "controller-addr"},
	{key: "dial_timeout", flag: "dial-timeout"},
	{key: "retry_delay", flag: "retry-delay"},
	{key: "shell", flag: "shell"},
	{key: "pty", flag: "pty"},
	{key: "command_timeout", flag: "command-timeout"},
	{key: "scanner.max_file_size", flag: "max-file-size"},
	{key: "scanner.max_copy_size", flag: "max-copy-size"},
	{key: "scanner.rules_file", flag: "rules-file"},
	{key: "lock_file", flag: "lock-file"},
	{key: "log_level", flag: "log-level"},
	{key: "otlp_endpoint", flag: "otlp-endpoint"},
}

var controllerFlags = []flagBinding{
	{key: "listen_addr", flag: "listen-addr"},
	{key: "extract_dir", flag: "extract-dir"},
	{key: "no_color", flag: "no-color"},
	{key: "log_level", flag: "log-level"},
	{key: "otlp_endpoint", flag: "otlp-endpoint"},
}

// LoadAgent parses args and returns the validated agent configuration.
func LoadAgent(args []string) (AgentConfig, error) {
	fs := pflag.NewFlagSet("trawl-agent", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("controller-addr", DefaultAddr, "controller address (host:port, tcp://host:port or ws://host:port/path)")
	fs.Duration("dial-timeout", 5*time.Second, "timeout for one connection attempt")
	fs.Duration("retry-delay", time.Second, "delay between connection attempts")
	fs.String("shell", "", "shell used to run commands (default $SHELL, then /bin/sh)")
	fs.Bool("pty", false, "run commands attached to a pseudo-terminal")
	fs.Duration("command-timeout", 0, "per-command timeout, 0 for none")
	fs.Int64("max-file-size", scanner.DefaultMaxFileSizeBytes, "largest file whose content is scanned, in bytes")
	fs.Int64("max-copy-size", scanner.DefaultMaxCopySizeBytes, "largest file copied in copy mode, in bytes")
	fs.String("rules-file", "", "YAML file overriding the scanner keyword lists")
	fs.String("lock-file", instance.DefaultPath(), "single-instance lock file; empty disables the check")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("otlp-endpoint", "", "OTLP gRPC endpoint for traces; empty disables tracing")

	v, err := load(fs, args, agentFlags)
	if err != nil {
		return AgentConfig{}, err
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("decode agent config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// LoadController parses args and returns the validated controller
// configuration.
func LoadController(args []string) (ControllerConfig, error) {
	fs := pflag.NewFlagSet("trawl-controller", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("listen-addr", DefaultAddr, "address to accept the agent on (host:port or ws://host:port/path)")
	fs.String("extract-dir", "extracted_files", "directory extracted files are written to")
	fs.Bool("no-color", false, "disable colored output")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("otlp-endpoint", "", "OTLP gRPC endpoint for traces; empty disables tracing")

	v, err := load(fs, args, controllerFlags)
	if err != nil {
		return ControllerConfig{}, err
	}

	var cfg ControllerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ControllerConfig{}, fmt.Errorf("decode controller config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return ControllerConfig{}, err
	}
	return cfg, nil
}

// load parses flags and layers them over the environment, the config file,
// and the flag defaults.
func load(fs *pflag.FlagSet, args []string, bindings []flagBinding) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, b := range bindings {
		f := fs.Lookup(b.flag)
		v.SetDefault(b.key, f.Value.String())
		if err := v.BindPFlag(b.key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", b.flag, err)
		}
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return v, nil
}

var validate = func() func(any) error {
	vd := validator.New()
	return func(cfg any) error {
		if err := vd.Struct(cfg); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				msgs := make([]string, 0, len(verrs))
				for _, fe := range verrs {
					msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
				}
				return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
			}
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	}
}()

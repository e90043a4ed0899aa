package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/loykin/pyker/internal/logger"
	"github.com/loykin/pyker/internal/logsink"
	"github.com/loykin/pyker/internal/process"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. PYKER_SERVER_LISTEN.
const EnvPrefix = "PYKER"

// Default values for the top-level keys.
const (
	DefaultHomeDir              = "~/.pyker"
	DefaultFileName             = "config.toml"
	DefaultStateFileName        = "processes.json"
	DefaultLogsDirName          = "logs"
	DefaultProcessCheckInterval = 5 * time.Second
	DefaultRestartBackoff       = 5 * time.Second
	DefaultStopTimeout          = 5 * time.Second
	DefaultListen               = "127.0.0.1:8080"
	DefaultBasePath             = "/api"
)

// Config is the daemon configuration after defaults, file and environment
// have been merged and paths resolved.
type Config struct {
	Home                 string        `toml:"home" mapstructure:"home"`
	StateFile            string        `toml:"state_file" mapstructure:"state_file"`
	Interpreter          string        `toml:"interpreter" mapstructure:"interpreter"`
	InterpreterArgs      []string      `toml:"interpreter_args" mapstructure:"interpreter_args"`
	ScriptExtensions     []string      `toml:"script_extensions" mapstructure:"script_extensions"`
	ProcessCheckInterval time.Duration `toml:"process_check_interval" mapstructure:"process_check_interval"`
	RestartBackoff       time.Duration `toml:"restart_backoff" mapstructure:"restart_backoff"`
	StopTimeout          time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	MaxRestarts          int           `toml:"max_restarts" mapstructure:"max_restarts"`
	Env                  []string      `toml:"env" mapstructure:"env"`
	EnvFiles             []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv             bool          `toml:"use_os_env" mapstructure:"use_os_env"`

	Logs        LogsConfig     `toml:"logs" mapstructure:"logs"`
	LogRotation RotationConfig `toml:"log_rotation" mapstructure:"log_rotation"`
	Server      ServerConfig   `toml:"server" mapstructure:"server"`
	Log         logger.Config  `toml:"log" mapstructure:"log"`
	History     HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics     MetricsConfig  `toml:"metrics" mapstructure:"metrics"`

	// File is the path the configuration was read from (or written to).
	File string `toml:"-" mapstructure:"-"`
}

type LogsConfig struct {
	Dir         string `toml:"dir" mapstructure:"dir"`
	BufferLines int    `toml:"buffer_lines" mapstructure:"buffer_lines"`
}

type RotationConfig struct {
	Enabled   bool `toml:"enabled" mapstructure:"enabled"`
	MaxSizeMB int  `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxFiles  int  `toml:"max_files" mapstructure:"max_files"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// HistoryConfig selects an optional lifecycle history sink by DSN.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// DefaultPath returns ~/.pyker/config.toml, or PYKER_CONFIG when set.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(ExpandHome(DefaultHomeDir), DefaultFileName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", DefaultHomeDir)
	v.SetDefault("state_file", "")
	v.SetDefault("interpreter", process.DefaultInterpreter)
	v.SetDefault("interpreter_args", []string{"-u"})
	v.SetDefault("script_extensions", process.DefaultExtensions)
	// durations as strings so a written default file reads back unchanged
	v.SetDefault("process_check_interval", DefaultProcessCheckInterval.String())
	v.SetDefault("restart_backoff", DefaultRestartBackoff.String())
	v.SetDefault("stop_timeout", DefaultStopTimeout.String())
	v.SetDefault("max_restarts", process.DefaultMaxRestarts)
	v.SetDefault("env", []string{"PYTHONUNBUFFERED=1"})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("logs.dir", "")
	v.SetDefault("logs.buffer_lines", logsink.DefaultBufferLines)

	v.SetDefault("log_rotation.enabled", true)
	v.SetDefault("log_rotation.max_size_mb", logsink.DefaultMaxSizeMB)
	v.SetDefault("log_rotation.max_files", logsink.DefaultMaxFiles)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatColor)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.enabled", true)
}

// Load reads the configuration at path (DefaultPath when empty). A missing
// file is created with the default values so users have something to edit.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	path = ExpandHome(path)

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create config dir: %w", err)
		}
		if err := v.SafeWriteConfigAs(path); err != nil {
			return nil, fmt.Errorf("write default config %s: %w", path, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.File = path
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	return "toml"
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// secondsToDurationHook treats bare numbers (and numeric strings from the
// environment) as seconds, so
// process_check_interval = 5 means five seconds rather than five nanoseconds.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durType := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durType {
			return data, nil
		}
		switch n := data.(type) {
		case int:
			return time.Duration(n) * time.Second, nil
		case int64:
			return time.Duration(n) * time.Second, nil
		case uint64:
			return time.Duration(n) * time.Second, nil
		case float64:
			return time.Duration(n * float64(time.Second)), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return time.Duration(f * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}

// resolve expands ~, derives the paths that default to locations under
// Home, and validates the merged values.
func (c *Config) resolve() error {
	c.Home = ExpandHome(c.Home)
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.Home, DefaultStateFileName)
	}
	c.StateFile = ExpandHome(c.StateFile)
	if c.Logs.Dir == "" {
		c.Logs.Dir = filepath.Join(c.Home, DefaultLogsDirName)
	}
	c.Logs.Dir = ExpandHome(c.Logs.Dir)
	if c.Log.File != "" {
		c.Log.File = ExpandHome(c.Log.File)
	}
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = ExpandHome(f)
	}
	c.Server.BasePath = normalizeBase(c.Server.BasePath)
	return c.Validate()
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Interpreter == "" {
		errs = append(errs, errors.New("interpreter must not be empty"))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max_restarts must be >= 0, got %d", c.MaxRestarts))
	}
	if c.ProcessCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("process_check_interval must be positive, got %s", c.ProcessCheckInterval))
	}
	if c.RestartBackoff < 0 {
		errs = append(errs, fmt.Errorf("restart_backoff must be >= 0, got %s", c.RestartBackoff))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout))
	}
	if c.Logs.BufferLines < 0 {
		errs = append(errs, fmt.Errorf("logs.buffer_lines must be >= 0, got %d", c.Logs.BufferLines))
	}
	if c.LogRotation.Enabled && (c.LogRotation.MaxSizeMB <= 0 || c.LogRotation.MaxFiles <= 0) {
		errs = append(errs, errors.New("log_rotation.max_size_mb and log_rotation.max_files must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for _, ext := range c.ScriptExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("script extension %q must start with '.'", ext))
		}
	}
	return errors.Join(errs...)
}

// ProcessEnv returns the environment layered on top of the daemon's own
// (when use_os_env is set): env_files in order, then env entries.
func (c *Config) ProcessEnv() ([]string, error) {
	var layered []string
	for _, p := range c.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		layered = append(layered, kvs...)
	}
	return append(layered, c.Env...), nil
}

// Spec returns the launch spec for scripts. env is the fully composed
// environment.
func (c *Config) Spec(env []string) process.Spec {
	return process.Spec{
		Interpreter:     c.Interpreter,
		InterpreterArgs: append([]string(nil), c.InterpreterArgs...),
		Extensions:      append([]string(nil), c.ScriptExtensions...),
		Env:             env,
	}
}

// SinkOptions maps the log settings onto logsink options.
func (c *Config) SinkOptions() logsink.Options {
	o := logsink.DefaultOptions()
	o.RotationEnabled = c.LogRotation.Enabled
	o.MaxSizeMB = c.LogRotation.MaxSizeMB
	o.MaxFiles = c.LogRotation.MaxFiles
	o.BufferLines = c.Logs.BufferLines
	return o
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func normalizeBase(b string) string {
	b = strings.TrimSpace(b)
	if b == "" || b == "/" {
		return ""
	}
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return strings.TrimRight(b, "/")
}

// LoadEnvFile parses a .env file and returns its KEY=VALUE entries in file
// order.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", n+1)
		}
		k := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		out = append(out, k+"="+val)
	}
	return out, nil
}

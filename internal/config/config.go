package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultRaceboardCommand = "raceboard-codex"
	defaultServerURL        = "http://localhost:7777"
	defaultTitlePrefix      = "Codex: "
	defaultPreviewLength    = 50
	defaultETA              = 15 * time.Second
	defaultProgressInterval = 2 * time.Second
	defaultSafetyCeiling    = 5 * time.Minute
	defaultPollTimeout      = 100 * time.Millisecond
	defaultChunkSize        = 1024
	defaultCommandTimeout   = 10 * time.Second
	defaultLogLevel         = "info"

	// DirName is the per-user and per-project configuration directory.
	DirName = ".racewrap"
)

// Environment variables that override file settings.
const (
	EnvRaceboardCommand = "RACEBOARD_CMD"
	EnvServerURL        = "RACEBOARD_SERVER"
	EnvOTelEndpoint     = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	RaceboardCommand string
	ServerURL        string
	TitlePrefix      string
	PreviewLength    int
	ETA              time.Duration
	ProgressInterval time.Duration
	SafetyCeiling    time.Duration
	PollTimeout      time.Duration
	ChunkSize        int
	CommandTimeout   time.Duration
	RawTerminal      bool
	HealthCheck      bool
	Quiet            bool
	LogLevel         string
	OTelEndpoint     string
}

type fileConfig struct {
	RaceboardCommand *string     `toml:"raceboard_cmd"`
	ServerURL        *string     `toml:"server_url"`
	TitlePrefix      *string     `toml:"title_prefix"`
	PreviewLength    *int        `toml:"preview_length"`
	ETA              *string     `toml:"eta"`
	ProgressInterval *string     `toml:"progress_interval"`
	SafetyCeiling    *string     `toml:"safety_ceiling"`
	PollTimeout      *string     `toml:"poll_timeout"`
	ChunkSize        *int        `toml:"chunk_size"`
	CommandTimeout   *string     `toml:"command_timeout"`
	RawTerminal      *bool       `toml:"raw_terminal"`
	HealthCheck      *bool       `toml:"health_check"`
	Quiet            *bool       `toml:"quiet"`
	LogLevel         *string     `toml:"log_level"`
	OTel             *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.racewrap/config.toml, overlays a project-local
// .racewrap/config.toml and then the environment.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return LoadFiles(os.LookupEnv,
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	)
}

// LoadFiles overlays each existing path in order on top of the defaults, then applies
// environment overrides read through lookupEnv.
func LoadFiles(lookupEnv func(string) (string, bool), paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg, lookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		RaceboardCommand: defaultRaceboardCommand,
		ServerURL:        defaultServerURL,
		TitlePrefix:      defaultTitlePrefix,
		PreviewLength:    defaultPreviewLength,
		ETA:              defaultETA,
		ProgressInterval: defaultProgressInterval,
		SafetyCeiling:    defaultSafetyCeiling,
		PollTimeout:      defaultPollTimeout,
		ChunkSize:        defaultChunkSize,
		CommandTimeout:   defaultCommandTimeout,
		RawTerminal:      true,
		HealthCheck:      true,
		LogLevel:         defaultLogLevel,
	}
}

// Validate rejects settings the session cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.RaceboardCommand) == "" {
		return errors.New("raceboard_cmd must not be empty")
	}
	if c.PreviewLength <= 0 {
		return errors.New("preview_length must be > 0")
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk_size must be > 0")
	}
	for key, value := range map[string]time.Duration{
		"eta":               c.ETA,
		"progress_interval": c.ProgressInterval,
		"safety_ceiling":    c.SafetyCeiling,
		"poll_timeout":      c.PollTimeout,
		"command_timeout":   c.CommandTimeout,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.RaceboardCommand != nil {
		cfg.RaceboardCommand = strings.TrimSpace(*decoded.RaceboardCommand)
	}
	if decoded.ServerURL != nil {
		cfg.ServerURL = strings.TrimSpace(*decoded.ServerURL)
	}
	if decoded.TitlePrefix != nil {
		cfg.TitlePrefix = *decoded.TitlePrefix
	}
	if decoded.PreviewLength != nil {
		cfg.PreviewLength = *decoded.PreviewLength
	}
	if decoded.ChunkSize != nil {
		cfg.ChunkSize = *decoded.ChunkSize
	}
	if decoded.RawTerminal != nil {
		cfg.RawTerminal = *decoded.RawTerminal
	}
	if decoded.HealthCheck != nil {
		cfg.HealthCheck = *decoded.HealthCheck
	}
	if decoded.Quiet != nil {
		cfg.Quiet = *decoded.Quiet
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"eta", decoded.ETA, &cfg.ETA},
		{"progress_interval", decoded.ProgressInterval, &cfg.ProgressInterval},
		{"safety_ceiling", decoded.SafetyCeiling, &cfg.SafetyCeiling},
		{"poll_timeout", decoded.PollTimeout, &cfg.PollTimeout},
		{"command_timeout", decoded.CommandTimeout, &cfg.CommandTimeout},
	}
	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		parsed, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.target = parsed
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookupEnv func(string) (string, bool)) {
	if lookupEnv == nil {
		return
	}
	if value, ok := lookupEnv(EnvRaceboardCommand); ok && strings.TrimSpace(value) != "" {
		cfg.RaceboardCommand = strings.TrimSpace(value)
	}
	if value, ok := lookupEnv(EnvServerURL); ok && strings.TrimSpace(value) != "" {
		cfg.ServerURL = strings.TrimSpace(value)
	}
	if value, ok := lookupEnv(EnvOTelEndpoint); ok && strings.TrimSpace(value) != "" {
		cfg.OTelEndpoint = strings.TrimSpace(value)
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Package config loads the service configuration: server ports, storage
// paths, logging, and the pipeline declaration. Configuration lives in a
// YAML file; CONFIDE_* environment variables override the scalar keys on
// top of it. The pipeline section is data, an ordered list of stages with
// their hyperparameters, and is fully validated before anything trains or
// serves.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/arnberg/confide/internal/pipeline"
)

// Error reports one invalid configuration value by its dotted key.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// APIToken enables bearer auth on the HTTP API when non-empty.
	APIToken string
}

type StorageConfig struct {
	DataDir string
	// CorpusPath points at the training corpus; empty means
	// <DataDir>/corpus.yml.
	CorpusPath string
}

type LogConfig struct {
	Level string
}

// ModelPath is where the trained artifact lives.
func (c Config) ModelPath() string {
	return filepath.Join(c.Storage.DataDir, "model.db")
}

// CorpusPath resolves the corpus location, applying the default when the
// key is unset.
func (c Config) CorpusPath() string {
	if c.Storage.CorpusPath != "" {
		return c.Storage.CorpusPath
	}
	return filepath.Join(c.Storage.DataDir, "corpus.yml")
}

// Settings converts the validated pipeline declaration into the trainer's
// form.
func (c Config) Settings() pipeline.Settings {
	return c.Pipeline.settings()
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 4100, MCPPort: 4101},
		Storage:  StorageConfig{DataDir: defaultDataDir()},
		Log:      LogConfig{Level: "info"},
		Pipeline: defaultPipeline(),
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "confide-data"
		}
	}
	return filepath.Join(dir, "confide")
}

// DefaultPath honors CONFIDE_CONFIG, falling back to the XDG location.
func DefaultPath() string {
	if p := os.Getenv("CONFIDE_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "confide", "config.yml")
}

// Load reads the configuration from the default path. A missing file is
// fine; defaults plus environment overrides apply.
func Load() (Config, error) {
	return LoadPath(DefaultPath())
}

// LoadPath reads, overlays and validates the configuration from an explicit
// file path.
func LoadPath(path string) (Config, error) {
	cfg := defaults()
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig mirrors the YAML layout. Scalars are pre-filled with the
// current defaults before decoding, so keys absent from the file keep them.
type fileConfig struct {
	Version  int         `yaml:"version"`
	Server   serverYAML  `yaml:"server"`
	Storage  storageYAML `yaml:"storage"`
	Log      logYAML     `yaml:"log"`
	Pipeline []yaml.Node `yaml:"pipeline"`
}

type serverYAML struct {
	Port     int    `yaml:"port"`
	MCPPort  int    `yaml:"mcp_port"`
	APIToken string `yaml:"api_token"`
}

type storageYAML struct {
	DataDir    string `yaml:"data_dir"`
	CorpusPath string `yaml:"corpus_path"`
}

type logYAML struct {
	Level string `yaml:"level"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}

	fc := fileConfig{
		Version: 1,
		Server:  serverYAML{Port: cfg.Server.Port, MCPPort: cfg.Server.MCPPort, APIToken: cfg.Server.APIToken},
		Storage: storageYAML{DataDir: cfg.Storage.DataDir, CorpusPath: cfg.Storage.CorpusPath},
		Log:     logYAML{Level: cfg.Log.Level},
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if fc.Version != 1 {
		return &Error{Field: "version", Reason: fmt.Sprintf("unsupported config version %d", fc.Version)}
	}

	cfg.Server.Port = fc.Server.Port
	cfg.Server.MCPPort = fc.Server.MCPPort
	cfg.Server.APIToken = fc.Server.APIToken
	cfg.Storage.DataDir = fc.Storage.DataDir
	cfg.Storage.CorpusPath = fc.Storage.CorpusPath
	cfg.Log.Level = fc.Log.Level

	return parsePipeline(fc.Pipeline, &cfg.Pipeline)
}

func (c Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &Error{Field: "server.port", Reason: fmt.Sprintf("port %d out of range", c.Server.Port)}
	}
	if c.Server.MCPPort < 1 || c.Server.MCPPort > 65535 {
		return &Error{Field: "server.mcp_port", Reason: fmt.Sprintf("port %d out of range", c.Server.MCPPort)}
	}
	if c.Server.Port == c.Server.MCPPort {
		return &Error{Field: "server.mcp_port", Reason: "HTTP and MCP ports collide"}
	}
	if c.Storage.DataDir == "" {
		return &Error{Field: "storage.data_dir", Reason: "empty data directory"}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	return c.Pipeline.validate()
}

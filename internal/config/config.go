// Package config loads rollq tool configuration from JSONC or YAML files,
// layered under command-line overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/rollq/pkg/codec"
	"github.com/calvinalkan/rollq/pkg/pauser"
	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

// FileName is the project config file looked up in the working directory.
const FileName = ".rollq.json"

// Errors returned by [Load].
var (
	ErrFileNotFound = errors.New("config file not found")
	ErrFileRead     = errors.New("cannot read config file")
	ErrInvalid      = errors.New("invalid config")
)

// Config holds the tool settings.
//
// An empty RollCycle lets an existing queue keep its stored roll cycle and
// creates new queues with [rollcycle.Default].
type Config struct {
	Dir         string `json:"dir,omitempty"          yaml:"dir,omitempty"`
	RollCycle   string `json:"roll_cycle,omitempty"   yaml:"roll_cycle,omitempty"`
	TimeoutMS   int64  `json:"timeout_ms,omitempty"   yaml:"timeout_ms,omitempty"`
	LockScope   string `json:"lock_scope,omitempty"   yaml:"lock_scope,omitempty"`
	Pauser      string `json:"pauser,omitempty"       yaml:"pauser,omitempty"`
	Codec       string `json:"codec,omitempty"        yaml:"codec,omitempty"`
	SegmentSize int64  `json:"segment_size,omitempty" yaml:"segment_size,omitempty"`
	LogLevel    string `json:"log_level,omitempty"    yaml:"log_level,omitempty"`

	// SyncOnCommit turns on [queue.Options.SyncOnCommit]. Once set by a
	// layer it cannot be turned off by a later one.
	SyncOnCommit bool `json:"sync_on_commit,omitempty" yaml:"sync_on_commit,omitempty"`

	// DirAbs is Dir resolved against the working directory.
	DirAbs string `json:"-" yaml:"-"`

	// Sources lists the files that were loaded.
	Sources Sources `json:"-" yaml:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // global config path if loaded
	Project string // project or explicit config path if loaded
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Dir:       ".rollq",
		TimeoutMS: 10_000,
		LockScope: queue.ScopeQueue.String(),
		Pauser:    pauser.NameBalanced,
		LogLevel:  "warn",
	}
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDir    string            // working directory; empty means os.Getwd
	ConfigPath string            // explicit config file; must exist if set
	Overrides  Config            // non-zero fields win over files
	Env        map[string]string // environment, for the global config path
}

// Load resolves configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global config ($XDG_CONFIG_HOME/rollq/config.json or ~/.config/rollq/config.json)
//  3. Project config ([FileName] in WorkDir) or the explicit ConfigPath
//  4. Overrides
//
// Files ending in .yaml or .yml are YAML; anything else is JSON with
// comments and trailing commas allowed.
//
// Possible errors:
//   - [ErrFileNotFound]: ConfigPath does not exist
//   - [ErrFileRead]: a config file exists but cannot be read
//   - [ErrInvalid]: a file does not parse, or a value is out of range
func Load(in LoadInput) (Config, error) {
	workDir := in.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(in.Env); path != "" {
		global, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, global)
			cfg.Sources.Global = path
		}
	}

	path, mustExist := filepath.Join(workDir, FileName), false

	if in.ConfigPath != "" {
		path, mustExist = in.ConfigPath, true
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
	}

	project, loaded, err := loadFile(path, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, project)
		cfg.Sources.Project = path
	}

	cfg = merge(cfg, in.Overrides)

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	cfg.DirAbs = cfg.Dir
	if !filepath.IsAbs(cfg.DirAbs) {
		cfg.DirAbs = filepath.Join(workDir, cfg.Dir)
	}

	return cfg, nil
}

// Validate checks every value names something that exists.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("%w: dir cannot be empty", ErrInvalid)
	}

	if c.RollCycle != "" {
		if _, err := rollcycle.ByName(c.RollCycle); err != nil {
			return fmt.Errorf("%w: roll_cycle: %w", ErrInvalid, err)
		}
	}

	if c.TimeoutMS < 0 {
		return fmt.Errorf("%w: timeout_ms %d is negative", ErrInvalid, c.TimeoutMS)
	}

	if _, err := queue.ParseLockScope(c.LockScope); err != nil {
		return fmt.Errorf("%w: lock_scope: %w", ErrInvalid, err)
	}

	if _, err := pauser.ByName(c.Pauser); err != nil {
		return fmt.Errorf("%w: pauser: %w", ErrInvalid, err)
	}

	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("%w: codec: %w", ErrInvalid, err)
	}

	if c.SegmentSize < 0 {
		return fmt.Errorf("%w: segment_size %d is negative", ErrInvalid, c.SegmentSize)
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}

	return nil
}

// Level returns the configured log level. Invalid levels were rejected by
// [Load]; they read as warn here.
func (c Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.WarnLevel
	}

	return lvl
}

// QueueOptions converts the configuration into options for [queue.Open].
func (c Config) QueueOptions(log *zap.Logger) (queue.Options, error) {
	var rc rollcycle.RollCycle

	if c.RollCycle != "" {
		var err error

		rc, err = rollcycle.ByName(c.RollCycle)
		if err != nil {
			return queue.Options{}, fmt.Errorf("%w: roll_cycle: %w", ErrInvalid, err)
		}
	}

	scope, err := queue.ParseLockScope(c.LockScope)
	if err != nil {
		return queue.Options{}, fmt.Errorf("%w: lock_scope: %w", ErrInvalid, err)
	}

	pf, err := pauser.ByName(c.Pauser)
	if err != nil {
		return queue.Options{}, fmt.Errorf("%w: pauser: %w", ErrInvalid, err)
	}

	// Unset leaves the choice to the queue: its stored codec, or raw.
	var cd codec.Codec
	if c.Codec != "" {
		cd, err = codec.ByName(c.Codec)
		if err != nil {
			return queue.Options{}, fmt.Errorf("%w: codec: %w", ErrInvalid, err)
		}
	}

	return queue.Options{
		RollCycle:    rc,
		Timeout:      time.Duration(c.TimeoutMS) * time.Millisecond,
		LockScope:    scope,
		Pauser:       pf,
		Codec:        cd,
		SegmentSize:  c.SegmentSize,
		SyncOnCommit: c.SyncOnCommit,
		Logger:       log,
	}, nil
}

// Format renders the configuration as key=value lines.
func Format(c Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, "dir=%s\n", c.DirAbs)
	fmt.Fprintf(&b, "roll_cycle=%s\n", c.RollCycle)
	fmt.Fprintf(&b, "timeout_ms=%d\n", c.TimeoutMS)
	fmt.Fprintf(&b, "lock_scope=%s\n", c.LockScope)
	fmt.Fprintf(&b, "pauser=%s\n", c.Pauser)
	fmt.Fprintf(&b, "codec=%s\n", c.Codec)
	fmt.Fprintf(&b, "segment_size=%d\n", c.SegmentSize)
	fmt.Fprintf(&b, "log_level=%s\n", c.LogLevel)
	fmt.Fprintf(&b, "sync_on_commit=%t", c.SyncOnCommit)

	return b.String()
}

// globalPath returns the global config path, or "" if neither
// XDG_CONFIG_HOME nor HOME is set.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "rollq", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "rollq", "config.json")
	}

	return ""
}

// loadFile reads and parses path. A missing file is not an error unless
// mustExist is set.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}

			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %w", ErrFileRead, path, err)
	}

	cfg, err := Parse(path, data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return cfg, true, nil
}

// Parse decodes data as YAML or JSONC depending on the extension of name.
// Unknown keys are rejected.
func Parse(name string, data []byte) (Config, error) {
	var cfg Config

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)

		err := dec.Decode(&cfg)
		if err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("invalid YAML: %w", err)
		}

	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return Config{}, fmt.Errorf("invalid JSONC: %w", err)
		}

		dec := json.NewDecoder(bytes.NewReader(standardized))
		dec.DisallowUnknownFields()

		err = dec.Decode(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}

	if overlay.RollCycle != "" {
		base.RollCycle = overlay.RollCycle
	}

	if overlay.TimeoutMS != 0 {
		base.TimeoutMS = overlay.TimeoutMS
	}

	if overlay.LockScope != "" {
		base.LockScope = overlay.LockScope
	}

	if overlay.Pauser != "" {
		base.Pauser = overlay.Pauser
	}

	if overlay.Codec != "" {
		base.Codec = overlay.Codec
	}

	if overlay.SegmentSize != 0 {
		base.SegmentSize = overlay.SegmentSize
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.SyncOnCommit {
		base.SyncOnCommit = true
	}

	return base
}

// Package config manages hsipatch configuration and the .hsipatch directory.
// It handles loading, validating, saving, and initializing the project
// configuration, and translates it into the options of the core packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/kilupskalvis/hsipatch/internal/core"
	"github.com/kilupskalvis/hsipatch/internal/export"
	"github.com/kilupskalvis/hsipatch/internal/fetch"
	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/raster"
	"github.com/kilupskalvis/hsipatch/internal/store"
)

const (
	Dir          = ".hsipatch"
	ConfigFile   = "config.toml"
	DatabaseFile = "patches.db"
	LedgerFile   = "ledger.db"
)

// Environment variables holding object storage credentials.
const (
	EnvAccessKey = "HSIPATCH_ACCESS_KEY"
	EnvSecretKey = "HSIPATCH_SECRET_KEY"
)

// Single-level normalization modes.
const (
	SingleLevelNone   = "none"
	SingleLevelGlobal = "global"
)

// ErrNotFound is returned by Load outside an hsipatch project.
var ErrNotFound = errors.New("not an hsipatch project (or any parent up to root)")

// Config represents the hsipatch configuration
type Config struct {
	Patch     PatchConfig     `toml:"patch"`
	Normalize NormalizeConfig `toml:"normalize"`
	Accept    AcceptConfig    `toml:"accept"`
	Store     StoreConfig     `toml:"store"`
	Run       RunConfig       `toml:"run"`
	Fetch     FetchConfig     `toml:"fetch"`
	Export    ExportConfig    `toml:"export"`
	path      string          // path to .hsipatch directory
}

type PatchConfig struct {
	Height       int    `toml:"height"`
	Width        int    `toml:"width"`
	StrideHeight int    `toml:"stride_height"`
	StrideWidth  int    `toml:"stride_width"`
	Channels     int    `toml:"channels"` // 0 keeps every band
	Boundary     string `toml:"boundary"`
}

type NormalizeConfig struct {
	Low         float64 `toml:"low"`
	High        float64 `toml:"high"`
	Precision   string  `toml:"precision"`
	SingleLevel string  `toml:"single_level"`
}

type AcceptConfig struct {
	MinValidFraction float64        `toml:"min_valid_fraction"`
	Regimes          []RegimeConfig `toml:"regimes"`
}

// RegimeConfig maps a datatype class to its majority-black thresholds.
type RegimeConfig struct {
	DType    string  `toml:"dtype"`
	Invalid  float64 `toml:"invalid"`
	MaxBlack float64 `toml:"max_black"`
}

type StoreConfig struct {
	Path        string `toml:"path,omitempty"`
	MaxSize     int64  `toml:"max_size"`
	BatchSize   int    `toml:"batch_size"`
	Compression string `toml:"compression"`
}

type RunConfig struct {
	Workers         int    `toml:"workers"` // 0 uses one less than the CPU count
	MetricsTextfile string `toml:"metrics_textfile,omitempty"`
}

type FetchConfig struct {
	Endpoint    string `toml:"endpoint"`
	Bucket      string `toml:"bucket"`
	Prefix      string `toml:"prefix"`
	Suffix      string `toml:"suffix"`
	Secure      bool   `toml:"secure"`
	Concurrency int    `toml:"concurrency"`
}

type ExportConfig struct {
	Column string `toml:"column"`
}

// Default returns the stock configuration.
func Default() *Config {
	regimes := patch.DefaultRegimes()
	return &Config{
		Patch: PatchConfig{
			Height:       160,
			Width:        160,
			StrideHeight: 160,
			StrideWidth:  160,
			Boundary:     string(raster.DefaultBoundaryPolicy),
		},
		Normalize: NormalizeConfig{
			Low:         1,
			High:        99,
			Precision:   string(patch.PrecisionFloat16),
			SingleLevel: SingleLevelNone,
		},
		Accept: AcceptConfig{
			MinValidFraction: patch.DefaultMinValidFraction,
			Regimes: []RegimeConfig{
				{DType: string(models.ClassUint16), Invalid: regimes[models.ClassUint16].Invalid, MaxBlack: regimes[models.ClassUint16].MaxBlackFraction},
				{DType: string(models.ClassOther), Invalid: regimes[models.ClassOther].Invalid, MaxBlack: regimes[models.ClassOther].MaxBlackFraction},
			},
		},
		Store: StoreConfig{
			MaxSize:     store.DefaultMaxSize,
			BatchSize:   store.DefaultBatchSize,
			Compression: string(patch.CompressionNone),
		},
		Fetch: FetchConfig{
			Suffix:      ".ZIP",
			Secure:      true,
			Concurrency: fetch.DefaultConcurrency,
		},
		Export: ExportConfig{Column: export.DefaultKeyColumn},
	}
}

// Validate rejects malformed configuration before any work starts.
func (c *Config) Validate() error {
	p := c.Patch
	if p.Height <= 0 || p.Width <= 0 {
		return fmt.Errorf("patch: size %dx%d must be positive", p.Height, p.Width)
	}
	if p.StrideHeight <= 0 || p.StrideWidth <= 0 {
		return fmt.Errorf("patch: stride %dx%d must be positive", p.StrideHeight, p.StrideWidth)
	}
	if p.Channels < 0 {
		return fmt.Errorf("patch: channels %d must not be negative", p.Channels)
	}
	if _, err := raster.ParseBoundaryPolicy(p.Boundary); err != nil {
		return fmt.Errorf("patch: %w", err)
	}

	n := c.Normalize
	if n.Low < 0 || n.High > 100 || n.Low >= n.High {
		return fmt.Errorf("normalize: percentiles %v/%v must satisfy 0 <= low < high <= 100", n.Low, n.High)
	}
	if _, err := patch.ParsePrecision(n.Precision); err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	if n.SingleLevel != SingleLevelNone && n.SingleLevel != SingleLevelGlobal {
		return fmt.Errorf("normalize: single_level %q must be %q or %q", n.SingleLevel, SingleLevelNone, SingleLevelGlobal)
	}

	if f := c.Accept.MinValidFraction; f < 0 || f > 1 {
		return fmt.Errorf("accept: min_valid_fraction %v outside [0, 1]", f)
	}
	mb, err := c.MajorityBlack()
	if err != nil {
		return err
	}
	if err := mb.Validate(); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	if c.Store.MaxSize <= 0 {
		return fmt.Errorf("store: max_size must be positive")
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("store: batch_size must be positive")
	}
	if _, err := patch.ParseCompression(c.Store.Compression); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Run.Workers < 0 {
		return fmt.Errorf("run: workers must not be negative")
	}
	return nil
}

// FindRoot finds the .hsipatch directory by walking up from the current
// directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		path := filepath.Join(dir, Dir)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Load loads the configuration from the .hsipatch directory. Keys missing
// from the file keep their defaults.
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFile(root)
}

// LoadFile loads the configuration stored in the given .hsipatch directory.
func LoadFile(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	cfg.Accept.Regimes = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Accept.Regimes) == 0 {
		cfg.Accept.Regimes = Default().Accept.Regimes
	}
	cfg.path = root
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filepath.Join(root, ConfigFile), err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default outside a project.
func LoadOrDefault() (*Config, error) {
	cfg, err := Load()
	if errors.Is(err, ErrNotFound) {
		return Default(), nil
	}
	return cfg, err
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no project directory")
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0644)
}

// Root returns the path to the .hsipatch directory, or "" for a default
// configuration outside a project.
func (c *Config) Root() string {
	return c.path
}

// StorePath returns the patch store path: [store] path, resolved against
// the project directory, or the project database.
func (c *Config) StorePath() string {
	switch {
	case c.Store.Path != "" && (filepath.IsAbs(c.Store.Path) || c.path == ""):
		return c.Store.Path
	case c.Store.Path != "":
		return filepath.Join(filepath.Dir(c.path), c.Store.Path)
	case c.path != "":
		return filepath.Join(c.path, DatabaseFile)
	}
	return DatabaseFile
}

// LedgerPath returns the run journal path, or "" outside a project.
func (c *Config) LedgerPath() string {
	if c.path == "" {
		return ""
	}
	return filepath.Join(c.path, LedgerFile)
}

// Initialize creates a new .hsipatch directory in dir with the default
// configuration.
func Initialize(dir string) (*Config, error) {
	path := filepath.Join(dir, Dir)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("hsipatch project already exists in %s", dir)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create %s directory: %w", Dir, err)
	}

	cfg := Default()
	cfg.path = path
	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(path)
		return nil, err
	}
	return cfg, nil
}

// Geometry returns the window layout.
func (c *Config) Geometry() core.Geometry {
	return core.Geometry{
		PatchHeight:  c.Patch.Height,
		PatchWidth:   c.Patch.Width,
		StrideHeight: c.Patch.StrideHeight,
		StrideWidth:  c.Patch.StrideWidth,
		Channels:     c.Patch.Channels,
		Policy:       raster.BoundaryPolicy(c.Patch.Boundary),
	}
}

// MajorityBlack returns the single-level acceptance predicate.
func (c *Config) MajorityBlack() (patch.MajorityBlack, error) {
	regimes := make(map[models.DTypeClass]patch.Regime, len(c.Accept.Regimes))
	for _, r := range c.Accept.Regimes {
		class := models.DTypeClass(r.DType)
		if class != models.ClassUint16 && class != models.ClassOther {
			return patch.MajorityBlack{}, fmt.Errorf("accept: unknown dtype class %q", r.DType)
		}
		if _, dup := regimes[class]; dup {
			return patch.MajorityBlack{}, fmt.Errorf("accept: duplicate regime for %q", r.DType)
		}
		regimes[class] = patch.Regime{Invalid: r.Invalid, MaxBlackFraction: r.MaxBlack}
	}
	return patch.MajorityBlack{Regimes: regimes}, nil
}

// MajorityValid returns the paired acceptance predicate.
func (c *Config) MajorityValid() patch.MajorityValid {
	return patch.MajorityValid{MinValidFraction: c.Accept.MinValidFraction}
}

// PerChannel returns the paired normalizer.
func (c *Config) PerChannel() patch.PerChannel {
	prec, _ := patch.ParsePrecision(c.Normalize.Precision)
	return patch.PerChannel{Low: c.Normalize.Low, High: c.Normalize.High, Precision: prec}
}

// SingleLevelNormalizer returns the single-level normalizer.
func (c *Config) SingleLevelNormalizer() patch.Normalizer {
	if c.Normalize.SingleLevel == SingleLevelGlobal {
		return patch.Global{Low: c.Normalize.Low, High: c.Normalize.High}
	}
	return patch.Identity{}
}

// Codec returns the value codec.
func (c *Config) Codec() patch.Codec {
	comp, _ := patch.ParseCompression(c.Store.Compression)
	return patch.Codec{Compression: comp}
}

// StoreOptions returns the patch store options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{MaxSize: c.Store.MaxSize, BatchSize: c.Store.BatchSize}
}

// FetchOptions returns the object storage client options, with credentials
// taken from the environment.
func (c *Config) FetchOptions() fetch.Options {
	return fetch.Options{
		Endpoint:  c.Fetch.Endpoint,
		AccessKey: os.Getenv(EnvAccessKey),
		SecretKey: os.Getenv(EnvSecretKey),
		Secure:    c.Fetch.Secure,
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/hsipatch/internal/models"
	"github.com/kilupskalvis/hsipatch/internal/patch"
	"github.com/kilupskalvis/hsipatch/internal/raster"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	geo := cfg.Geometry()
	assert.Equal(t, 160, geo.PatchHeight)
	assert.Equal(t, raster.Inclusive, geo.Policy)

	mb, err := cfg.MajorityBlack()
	require.NoError(t, err)
	assert.Equal(t, patch.DefaultRegimes(), mb.Regimes)
	assert.Equal(t, patch.Identity{}, cfg.SingleLevelNormalizer())
	assert.Equal(t, patch.PerChannel{Low: 1, High: 99, Precision: patch.PrecisionFloat16}, cfg.PerChannel())
	assert.Equal(t, patch.CompressionNone, cfg.Codec().Compression)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero patch", func(c *Config) { c.Patch.Height = 0 }},
		{"negative stride", func(c *Config) { c.Patch.StrideWidth = -1 }},
		{"boundary", func(c *Config) { c.Patch.Boundary = "sometimes" }},
		{"percentile order", func(c *Config) { c.Normalize.Low, c.Normalize.High = 99, 1 }},
		{"precision", func(c *Config) { c.Normalize.Precision = "float8" }},
		{"single level", func(c *Config) { c.Normalize.SingleLevel = "display" }},
		{"min valid", func(c *Config) { c.Accept.MinValidFraction = 1.5 }},
		{"regime fraction", func(c *Config) { c.Accept.Regimes[0].MaxBlack = 2 }},
		{"regime class", func(c *Config) { c.Accept.Regimes[0].DType = "int8" }},
		{"missing other regime", func(c *Config) { c.Accept.Regimes = c.Accept.Regimes[:1] }},
		{"duplicate regime", func(c *Config) { c.Accept.Regimes[1].DType = "uint16" }},
		{"batch size", func(c *Config) { c.Store.BatchSize = 0 }},
		{"compression", func(c *Config) { c.Store.Compression = "brotli" }},
		{"workers", func(c *Config) { c.Run.Workers = -2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInitializeAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, Dir), cfg.Root())
	assert.Equal(t, filepath.Join(dir, Dir, DatabaseFile), cfg.StorePath())
	assert.Equal(t, filepath.Join(dir, Dir, LedgerFile), cfg.LedgerPath())

	_, err = Initialize(dir)
	assert.Error(t, err)

	loaded, err := LoadFile(cfg.Root())
	require.NoError(t, err)
	assert.Equal(t, Default().Patch, loaded.Patch)
	assert.Equal(t, Default().Accept, loaded.Accept)
}

func TestLoadFile_Overrides(t *testing.T) {
	root := filepath.Join(t.TempDir(), Dir)
	require.NoError(t, os.MkdirAll(root, 0755))
	body := `
[patch]
height = 128
width = 128
stride_height = 64
stride_width = 64
channels = 3
boundary = "exclusive"

[normalize]
single_level = "global"

[[accept.regimes]]
dtype = "uint16"
invalid = 1
max_black = 0.05

[[accept.regimes]]
dtype = "other"
invalid = -9999
max_black = 0.2

[store]
path = "out/enmap.db"
compression = "zstd"
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFile), []byte(body), 0644))

	cfg, err := LoadFile(root)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Patch.Height)
	assert.Equal(t, raster.Exclusive, cfg.Geometry().Policy)
	assert.Equal(t, 3, cfg.Geometry().Channels)
	assert.Equal(t, 99.0, cfg.Normalize.High, "unset keys keep defaults")
	assert.Equal(t, 24, cfg.Store.BatchSize)
	assert.Equal(t, patch.Global{Low: 1, High: 99}, cfg.SingleLevelNormalizer())
	assert.Equal(t, patch.CompressionZstd, cfg.Codec().Compression)
	assert.Equal(t, filepath.Join(filepath.Dir(root), "out", "enmap.db"), cfg.StorePath())

	mb, err := cfg.MajorityBlack()
	require.NoError(t, err)
	assert.Equal(t, patch.Regime{Invalid: -9999, MaxBlackFraction: 0.2}, mb.Regime(models.Int16))
}

func TestLoadFile_Invalid(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFile), []byte("[patch]\nheight = -1\n"), 0644))
	_, err := LoadFile(root)
	assert.ErrorContains(t, err, "patch: size")

	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFile), []byte("[patch\n"), 0644))
	_, err = LoadFile(root)
	assert.ErrorContains(t, err, "parse config")
}

func TestFetchOptions_Env(t *testing.T) {
	t.Setenv(EnvAccessKey, "ak")
	t.Setenv(EnvSecretKey, "sk")
	cfg := Default()
	cfg.Fetch.Endpoint = "s3.example.com"

	opts := cfg.FetchOptions()
	assert.Equal(t, "ak", opts.AccessKey)
	assert.Equal(t, "sk", opts.SecretKey)
	assert.True(t, opts.Secure)
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/rollq/internal/config"
	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func Test_Load_Returns_Defaults_When_No_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDir: dir})
	require.NoError(t, err)

	want := config.Default()
	want.DirAbs = filepath.Join(dir, ".rollq")

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Reads_Project_File_With_Comments_When_Present(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), `{
		// ten minute cycles for the test rig
		"dir": "events",
		"roll_cycle": "ten-minutely",
		"codec": "zstd",
		"sync_on_commit": true,
	}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: dir})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "events"), cfg.DirAbs)
	assert.Equal(t, "ten-minutely", cfg.RollCycle)
	assert.Equal(t, "zstd", cfg.Codec)
	assert.True(t, cfg.SyncOnCommit)
	assert.Equal(t, filepath.Join(dir, config.FileName), cfg.Sources.Project)
}

func Test_Load_Reads_Yaml_When_Explicit_File_Has_Yaml_Extension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "rollq.yaml"), "dir: /var/lib/q\ntimeout_ms: 250\nlock_scope: cycle\nlog_level: debug\n")

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, ConfigPath: "rollq.yaml"})
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/q", cfg.DirAbs)
	assert.EqualValues(t, 250, cfg.TimeoutMS)
	assert.Equal(t, "cycle", cfg.LockScope)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level())
}

func Test_Load_Applies_Precedence_When_All_Layers_Are_Set(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "rollq", "config.json"), `{"dir": "global", "codec": "snappy", "pauser": "sleepy"}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{"dir": "project", "codec": "zstd"}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDir:   dir,
		Overrides: config.Config{Dir: "cli"},
		Env:       map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "cli"), cfg.DirAbs)
	assert.Equal(t, "zstd", cfg.Codec)
	assert.Equal(t, "sleepy", cfg.Pauser)
	assert.Equal(t, filepath.Join(xdg, "rollq", "config.json"), cfg.Sources.Global)
}

func Test_Load_Fails_When_Explicit_File_Is_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDir: t.TempDir(), ConfigPath: "nope.json"})
	require.ErrorIs(t, err, config.ErrFileNotFound)
}

func Test_Load_Returns_ErrInvalid_When_Values_Are_Bad(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown key":        `{"directory": "x"}`,
		"bad roll cycle":     `{"roll_cycle": "fortnightly"}`,
		"bad codec":          `{"codec": "lz4"}`,
		"bad pauser":         `{"pauser": "lazy"}`,
		"bad lock scope":     `{"lock_scope": "global"}`,
		"negative timeout":   `{"timeout_ms": -1}`,
		"negative size":      `{"segment_size": -4096}`,
		"bad log level":      `{"log_level": "chatty"}`,
		"not json":           `dir = "x"`,
		"wrong type for dir": `{"dir": 3}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, config.FileName), content)

			_, err := config.Load(config.LoadInput{WorkDir: dir})
			require.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func Test_Parse_Rejects_Unknown_Yaml_Keys(t *testing.T) {
	t.Parallel()

	_, err := config.Parse("c.yml", []byte("dirr: x\n"))
	require.Error(t, err)

	cfg, err := config.Parse("c.yml", nil)
	require.NoError(t, err, "empty YAML is an empty config")
	assert.Equal(t, config.Config{}, cfg)
}

func Test_QueueOptions_Converts_Names_When_Config_Is_Valid(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.RollCycle = "HOURLY"
	cfg.TimeoutMS = 1500
	cfg.LockScope = "cycle"
	cfg.Codec = "snappy"
	cfg.SegmentSize = 8192
	cfg.SyncOnCommit = true

	opts, err := cfg.QueueOptions(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, rollcycle.Hourly, opts.RollCycle)
	assert.Equal(t, 1500*time.Millisecond, opts.Timeout)
	assert.Equal(t, queue.ScopeCycle, opts.LockScope)
	assert.Equal(t, "snappy", opts.Codec.Name())
	assert.EqualValues(t, 8192, opts.SegmentSize)
	assert.True(t, opts.SyncOnCommit)
	assert.NotNil(t, opts.Pauser)
}

func Test_QueueOptions_Leaves_Roll_Cycle_And_Codec_Unset_When_Not_Configured(t *testing.T) {
	t.Parallel()

	opts, err := config.Default().QueueOptions(zap.NewNop())
	require.NoError(t, err)
	assert.True(t, opts.RollCycle.IsZero())
	assert.Nil(t, opts.Codec)
}

func Test_Format_Lists_Every_Key_When_Called(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.DirAbs = "/q"

	want := "dir=/q\nroll_cycle=\ntimeout_ms=10000\nlock_scope=queue\npauser=balanced\ncodec=\nsegment_size=0\nlog_level=warn\nsync_on_commit=false"
	assert.Equal(t, want, config.Format(cfg))
}

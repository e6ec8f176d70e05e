package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/manager"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: filepath.Join(t.TempDir(), "absent.ini")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), cfg.JournalSizeSectors)
	assert.Equal(t, uint64(1), cfg.JournalSlotSectors)
	assert.Equal(t, 5*time.Second, cfg.LockTimeoutDuration)
	assert.Zero(t, cfg.DeadlockIntervalDuration)
	assert.False(t, cfg.ArchiveEnabled)

	archiver, err := cfg.NewArchiver()
	require.NoError(t, err)
	assert.Nil(t, archiver)
}

func TestLoadIni(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "journal.arc")
	path := writeConfig(t, "galleon.ini", `
[journal]
image_path   = /tmp/disk.img
drive        = 2
start_sector = 64
size_sectors = 512
slot_sectors = 2

[lock]
lock_timeout      = 250ms
deadlock_interval = 1s

[archive]
enabled = true
path    = `+archivePath+`
codec   = lz4

[logs]
log_level = debug
`)
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, manager.JournalConfig{Drive: 2, StartSector: 64, SizeSectors: 512, SlotSectors: 2}, cfg.JournalConfig())
	assert.Equal(t, "/tmp/disk.img", cfg.JournalImagePath)
	assert.Equal(t, manager.LockConfig{LockTimeout: 250 * time.Millisecond, DeadlockInterval: time.Second}, cfg.LockConfig())
	assert.Equal(t, "debug", cfg.LogConfig().LogLevel)
	assert.Equal(t, "logs/error.log", cfg.LogConfig().ErrorLogPath)
	assert.Equal(t, archivePath, cfg.GetString("archive.path"))
	assert.Equal(t, "", cfg.GetString("archive"))

	archiver, err := cfg.NewArchiver()
	require.NoError(t, err)
	assert.NotNil(t, archiver)
}

func TestLoadToml(t *testing.T) {
	path := writeConfig(t, "galleon.toml", `
[journal]
size_sectors = 4096
slot_sectors = 4

[lock]
lock_timeout = "2s"

[archive]
enabled = true
codec = "snappy"
`)
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), cfg.JournalSizeSectors)
	assert.Equal(t, uint64(4), cfg.JournalSlotSectors)
	assert.Equal(t, 2*time.Second, cfg.LockTimeoutDuration)
	assert.True(t, cfg.ArchiveEnabled)
	assert.Equal(t, "snappy", cfg.ArchiveCodec)
	assert.Equal(t, "data/galleon.img", cfg.JournalImagePath)
}

func TestLoadYaml(t *testing.T) {
	path := writeConfig(t, "galleon.yaml", `
journal:
  start_sector: 128
  size_sectors: 256
lock:
  deadlock_interval: 100ms
archive:
  codec: none
logs:
  log_level: warn
`)
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, uint64(128), cfg.JournalStartSector)
	assert.Equal(t, uint64(256), cfg.JournalSizeSectors)
	assert.Equal(t, 100*time.Millisecond, cfg.DeadlockIntervalDuration)
	assert.Equal(t, 5*time.Second, cfg.LockTimeoutDuration)
	assert.Equal(t, "none", cfg.ArchiveCodec)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration": "[lock]\nlock_timeout = soon\n",
		"bad sectors":  "[journal]\nsize_sectors = many\n",
		"zero size":    "[journal]\nsize_sectors = 0\n",
		"bad drive":    "[journal]\ndrive = 300\n",
		"bad codec":    "[archive]\ncodec = zstd\n",
	}
	for name, content := range cases {
		content := content
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, "galleon.ini", content)
			_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
			assert.Error(t, err)
		})
	}

	t.Run("toml section that is not a table", func(t *testing.T) {
		path := writeConfig(t, "galleon.toml", "journal = 3\n")
		_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
		assert.Error(t, err)
	})

	t.Run("yaml section that is not a mapping", func(t *testing.T) {
		path := writeConfig(t, "galleon.yaml", "lock: [1, 2]\n")
		_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
		assert.Error(t, err)
	})
}

func TestSampleConfigsAgree(t *testing.T) {
	iniCfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: "../../conf/galleon.ini"})
	require.NoError(t, err)
	tomlCfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: "../../conf/galleon.toml"})
	require.NoError(t, err)
	yamlCfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: "../../conf/galleon.yaml"})
	require.NoError(t, err)

	assert.Equal(t, iniCfg.JournalConfig(), tomlCfg.JournalConfig())
	assert.Equal(t, iniCfg.LockConfig(), tomlCfg.LockConfig())
	assert.Equal(t, iniCfg.LogConfig(), tomlCfg.LogConfig())
	assert.Equal(t, iniCfg.JournalConfig(), yamlCfg.JournalConfig())
	assert.Equal(t, iniCfg.LockConfig(), yamlCfg.LockConfig())
}

package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/manager"
	"github.com/zhukovaskychina/galleonfs/logger"
	"gopkg.in/ini.v1"
	yaml "gopkg.in/yaml.v2"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

// 配置段
var sections = []string{"journal", "lock", "archive", "logs"}

/*
*
[journal]
image_path   = data/galleon.img
drive        = 0
start_sector = 0
size_sectors = 2048
slot_sectors = 1
*/
type Cfg struct {
	Raw *ini.File

	// journal
	JournalImagePath   string `default:"data/galleon.img" yaml:"image_path" json:"image_path,omitempty"`
	JournalDrive       uint8  `default:"0" yaml:"drive" json:"drive,omitempty"`
	JournalStartSector uint64 `default:"0" yaml:"start_sector" json:"start_sector,omitempty"`
	JournalSizeSectors uint64 `default:"2048" yaml:"size_sectors" json:"size_sectors,omitempty"`
	JournalSlotSectors uint64 `default:"1" yaml:"slot_sectors" json:"slot_sectors,omitempty"`

	// lock
	LockTimeout              string `default:"5s" yaml:"lock_timeout" json:"lock_timeout,omitempty"`
	LockTimeoutDuration      time.Duration
	DeadlockInterval         string `default:"0s" yaml:"deadlock_interval" json:"deadlock_interval,omitempty"`
	DeadlockIntervalDuration time.Duration

	// archive
	ArchiveEnabled bool   `default:"false" yaml:"enabled" json:"enabled,omitempty"`
	ArchivePath    string `default:"data/journal.arc" yaml:"path" json:"path,omitempty"`
	ArchiveCodec   string `default:"snappy" yaml:"codec" json:"codec,omitempty"`

	// logs
	LogError string `default:"logs/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"logs/galleon.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw: ini.Empty(),
		// Journal 默认配置
		JournalImagePath:   "data/galleon.img",
		JournalSizeSectors: 2048,
		JournalSlotSectors: 1,
		// Lock 默认配置
		LockTimeout:         "5s",
		LockTimeoutDuration: 5 * time.Second,
		DeadlockInterval:    "0s",
		// Archive 默认配置
		ArchivePath:  "data/journal.arc",
		ArchiveCodec: "snappy",
		// Logs 默认配置
		LogError: "logs/error.log",
		LogInfos: "logs/galleon.log",
		LogLevel: "info",
	}
}

// Load reads the file named by args (conf/galleon.ini by default). A
// missing file keeps the defaults; a file that exists but cannot be parsed
// or holds bad values is an error.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		return nil, err
	}
	cfg.Raw = iniFile

	if err := cfg.parseJournalCfg(cfg.Raw.Section("journal")); err != nil {
		return nil, err
	}
	if err := cfg.parseLockCfg(cfg.Raw.Section("lock")); err != nil {
		return nil, err
	}
	if err := cfg.parseArchiveCfg(cfg.Raw.Section("archive")); err != nil {
		return nil, err
	}
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}

	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	// 如果没有指定配置文件路径，使用默认的conf/galleon.ini
	configFile := "conf/galleon.ini"
	if args.ConfigPath != "" {
		configFile = args.ConfigPath
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", configFile)
		return ini.Empty(), nil
	}

	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".toml":
		return loadToml(configFile)
	case ".yaml", ".yml":
		return loadYaml(configFile)
	}
	parsedFile, err := ini.Load(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "解析配置文件 %s 失败", configFile)
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return parsedFile, nil
}

// loadToml 读取 toml 配置, 转换为同结构的 ini 段, 之后走同一套解析
func loadToml(configFile string) (*ini.File, error) {
	tree, err := toml.LoadFile(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "解析配置文件 %s 失败", configFile)
	}

	file := ini.Empty()
	for _, name := range sections {
		if !tree.Has(name) {
			continue
		}
		sub, ok := tree.Get(name).(*toml.Tree)
		if !ok {
			return nil, errors.Errorf("%s: %s 应为表", configFile, name)
		}
		section, err := file.NewSection(name)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for _, key := range sub.Keys() {
			if _, err := section.NewKey(key, fmt.Sprint(sub.Get(key))); err != nil {
				return nil, errors.Wrapf(err, "%s.%s", name, key)
			}
		}
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return file, nil
}

// loadYaml 读取 yaml 配置, 与 toml 一样转换为 ini 段
func loadYaml(configFile string) (*ini.File, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "读取配置文件 %s 失败", configFile)
	}
	vals := make(map[string]interface{})
	if err := yaml.Unmarshal(data, vals); err != nil {
		return nil, errors.Wrapf(err, "解析配置文件 %s 失败", configFile)
	}

	file := ini.Empty()
	for _, name := range sections {
		raw, ok := vals[name]
		if !ok {
			continue
		}
		sub, ok := raw.(map[interface{}]interface{})
		if !ok {
			return nil, errors.Errorf("%s: %s 应为映射", configFile, name)
		}
		section, err := file.NewSection(name)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for key, value := range sub {
			keyName := fmt.Sprint(key)
			if _, err := section.NewKey(keyName, fmt.Sprint(value)); err != nil {
				return nil, errors.Wrapf(err, "%s.%s", name, keyName)
			}
		}
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return file, nil
}

func (cfg *Cfg) parseJournalCfg(section *ini.Section) error {
	var err error
	cfg.JournalImagePath, _ = valueAsString(section, "image_path", cfg.JournalImagePath)

	if section.HasKey("drive") {
		drive, err := section.Key("drive").Uint()
		if err != nil {
			return errors.Wrap(err, "journal.drive")
		}
		if drive > 255 {
			return errors.Errorf("journal.drive = %d out of range", drive)
		}
		cfg.JournalDrive = uint8(drive)
	}

	for _, field := range []struct {
		key string
		dst *uint64
	}{
		{"start_sector", &cfg.JournalStartSector},
		{"size_sectors", &cfg.JournalSizeSectors},
		{"slot_sectors", &cfg.JournalSlotSectors},
	} {
		if !section.HasKey(field.key) {
			continue
		}
		if *field.dst, err = section.Key(field.key).Uint64(); err != nil {
			return errors.Wrapf(err, "journal.%s", field.key)
		}
	}
	if cfg.JournalSizeSectors == 0 {
		return errors.New("journal.size_sectors must be positive")
	}
	if cfg.JournalSlotSectors == 0 {
		cfg.JournalSlotSectors = 1
	}
	return nil
}

func (cfg *Cfg) parseLockCfg(section *ini.Section) error {
	var err error
	cfg.LockTimeout, _ = valueAsString(section, "lock_timeout", cfg.LockTimeout)
	cfg.LockTimeoutDuration, err = time.ParseDuration(cfg.LockTimeout)
	if err != nil {
		return errors.Wrapf(err, "time.ParseDuration(LockTimeout{%#v})", cfg.LockTimeout)
	}
	cfg.DeadlockInterval, _ = valueAsString(section, "deadlock_interval", cfg.DeadlockInterval)
	cfg.DeadlockIntervalDuration, err = time.ParseDuration(cfg.DeadlockInterval)
	if err != nil {
		return errors.Wrapf(err, "time.ParseDuration(DeadlockInterval{%#v})", cfg.DeadlockInterval)
	}
	return nil
}

func (cfg *Cfg) parseArchiveCfg(section *ini.Section) error {
	cfg.ArchiveEnabled = section.Key("enabled").MustBool(cfg.ArchiveEnabled)
	cfg.ArchivePath, _ = valueAsString(section, "path", cfg.ArchivePath)
	cfg.ArchiveCodec, _ = valueAsString(section, "codec", cfg.ArchiveCodec)
	if _, err := manager.ParseArchiveCodec(cfg.ArchiveCodec); err != nil {
		return err
	}
	return nil
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	cfg.LogError, _ = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos, _ = valueAsString(section, "log_infos", cfg.LogInfos)
	cfg.LogLevel, _ = valueAsString(section, "log_level", cfg.LogLevel)
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	if section == nil {
		return defaultValue, nil
	}
	value = section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value, nil
}

// GetString 获取配置项的字符串值, key 形如 "journal.image_path"
func (cfg *Cfg) GetString(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return ""
	}
	section := cfg.Raw.Section(parts[0])
	if section == nil {
		return ""
	}
	value, err := valueAsString(section, strings.Join(parts[1:], "."), "")
	if err != nil {
		return ""
	}
	return value
}

// JournalConfig 日志区域配置
func (cfg *Cfg) JournalConfig() manager.JournalConfig {
	return manager.JournalConfig{
		Drive:       cfg.JournalDrive,
		StartSector: cfg.JournalStartSector,
		SizeSectors: cfg.JournalSizeSectors,
		SlotSectors: cfg.JournalSlotSectors,
	}
}

// LockConfig 锁配置
func (cfg *Cfg) LockConfig() manager.LockConfig {
	return manager.LockConfig{
		LockTimeout:      cfg.LockTimeoutDuration,
		DeadlockInterval: cfg.DeadlockIntervalDuration,
	}
}

// LogConfig 日志配置
func (cfg *Cfg) LogConfig() logger.LogConfig {
	return logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}
}

// NewArchiver 按配置创建归档器, 未启用时返回 nil
func (cfg *Cfg) NewArchiver() (*manager.FileArchiver, error) {
	if !cfg.ArchiveEnabled {
		return nil, nil
	}
	codec, err := manager.ParseArchiveCodec(cfg.ArchiveCodec)
	if err != nil {
		return nil, err
	}
	return manager.NewFileArchiver(cfg.ArchivePath, codec)
}

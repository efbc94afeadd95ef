package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWGUARD"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults and env vars still apply.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return JoinErrors(m.config.Validate())
}

// JoinErrors combines validation errors into a single error, nil when empty.
func JoinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var errMsgs []string
	for _, err := range errs {
		errMsgs = append(errMsgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Detector defaults
	m.viper.SetDefault("detector.type", defaults.Detector.Type)
	m.viper.SetDefault("detector.win_type", defaults.Detector.WinType)
	m.viper.SetDefault("detector.win_size", defaults.Detector.WinSize)
	m.viper.SetDefault("detector.interval", defaults.Detector.Interval)
	m.viper.SetDefault("detector.normal_rg", toInterfaceSlice(defaults.Detector.NormalRange))
	m.viper.SetDefault("detector.max_detect_num", defaults.Detector.MaxDetectNum)
	m.viper.SetDefault("detector.fr_win_size", defaults.Detector.FlowRateWinSize)
	m.viper.SetDefault("detector.fea_option", toInterfaceMap(defaults.Detector.FeatureOption))
	m.viper.SetDefault("detector.false_alarm_rate", defaults.Detector.FalseAlarmRate)

	// Selection defaults (entropy_threshold and ab_win_portion have none: unset means off)
	m.viper.SetDefault("selection.hoeffding", defaults.Selection.Hoeffding)
	m.viper.SetDefault("selection.ab_win_num", defaults.Selection.AbWinNum)

	// Ident defaults (portion has none)
	m.viper.SetDefault("ident.enabled", defaults.Ident.Enabled)
	m.viper.SetDefault("ident.type", defaults.Ident.Type)
	m.viper.SetDefault("ident.entropy_type", defaults.Ident.EntropyType)
	m.viper.SetDefault("ident.ab_states_num", defaults.Ident.AbStatesNum)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Report defaults
	m.viper.SetDefault("report.dir", defaults.Report.Dir)
	m.viper.SetDefault("report.format", defaults.Report.Format)

	// Metrics defaults
	m.viper.SetDefault("metrics.textfile", defaults.Metrics.Textfile)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.path", defaults.Logging.Path)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Detector
	cfg.Detector.Type = m.viper.GetString("detector.type")
	cfg.Detector.WinType = m.viper.GetString("detector.win_type")
	cfg.Detector.WinSize = m.viper.GetFloat64("detector.win_size")
	cfg.Detector.Interval = m.viper.GetFloat64("detector.interval")
	cfg.Detector.MaxDetectNum = m.viper.GetInt("detector.max_detect_num")
	cfg.Detector.FlowRateWinSize = m.viper.GetFloat64("detector.fr_win_size")
	cfg.Detector.FalseAlarmRate = m.viper.GetFloat64("detector.false_alarm_rate")

	rg, err := parseFloats(m.viper.GetStringSlice("detector.normal_rg"))
	if err != nil {
		return fmt.Errorf("detector.normal_rg: %w", err)
	}
	cfg.Detector.NormalRange = rg

	cfg.Detector.FeatureOption = make(map[string]int)
	for name, raw := range m.viper.GetStringMap("detector.fea_option") {
		level, err := cast.ToIntE(raw)
		if err != nil {
			return fmt.Errorf("detector.fea_option.%s: %w", name, err)
		}
		cfg.Detector.FeatureOption[name] = level
	}

	// Selection
	if m.viper.IsSet("selection.entropy_threshold") {
		t := m.viper.GetFloat64("selection.entropy_threshold")
		cfg.Selection.EntropyThreshold = &t
	}
	if m.viper.IsSet("selection.ab_win_portion") {
		p := m.viper.GetFloat64("selection.ab_win_portion")
		cfg.Selection.AbWinPortion = &p
	}
	cfg.Selection.Hoeffding = m.viper.GetBool("selection.hoeffding")
	cfg.Selection.AbWinNum = m.viper.GetInt("selection.ab_win_num")

	// Ident
	cfg.Ident.Enabled = m.viper.GetBool("ident.enabled")
	cfg.Ident.Type = m.viper.GetString("ident.type")
	cfg.Ident.EntropyType = m.viper.GetString("ident.entropy_type")
	if m.viper.IsSet("ident.portion") {
		p := m.viper.GetFloat64("ident.portion")
		cfg.Ident.Portion = &p
	}
	cfg.Ident.AbStatesNum = m.viper.GetInt("ident.ab_states_num")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Report
	cfg.Report.Dir = m.viper.GetString("report.dir")
	cfg.Report.Format = m.viper.GetString("report.format")

	// Metrics
	cfg.Metrics.Textfile = m.viper.GetString("metrics.textfile")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.Path = m.viper.GetString("logging.path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	m.config = cfg
	return nil
}

func parseFloats(raw []string) ([]float64, error) {
	out := make([]float64, 0, len(raw))
	for _, s := range raw {
		for _, field := range strings.Split(s, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func toInterfaceSlice(v []float64) []interface{} {
	out := make([]interface{}, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func toInterfaceMap(v map[string]int) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

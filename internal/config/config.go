package config

import (
	"context"
	"fmt"

	"github.com/kubilitics/kubilitics-flowguard/internal/detector"
	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
	"github.com/kubilitics/kubilitics-flowguard/internal/selection"
)

// Package config provides configuration management for flowguard.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration before a run starts
//   - Convert the loaded values into the immutable per-run values the
//     detector, selector and identifier consume
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (bound by the cli package)
//   2. Environment variables (FLOWGUARD_* prefix, FLOWGUARD_DETECTOR_WIN_SIZE)
//   3. YAML config file (default: ./flowguard.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Detector
//      - type: "mf" | "mb" | "mfmb"
//      - win_type: "time" | "flow"
//      - win_size, interval: window width and step on the axis
//      - normal_rg: [start, end) of the nominal range
//      - max_detect_num: cap on attempted windows (0 = until exhausted)
//      - fr_win_size: flow-rate sub-window, first window offset when fea_option has flow_rate
//      - fea_option: feature name -> quantization levels
//      - false_alarm_rate: epsilon of the Hoeffding threshold
//
//   2. Selection (first set wins)
//      - entropy_threshold: explicit scalar threshold
//      - hoeffding: per-window Hoeffding thresholds
//      - ab_win_portion: top portion of windows
//      - ab_win_num: top number of windows
//
//   3. Ident
//      - enabled: identify contributing states/transitions
//      - type: "component" | "mass_shift"
//      - entropy_type: "mf" | "mb"
//      - portion / ab_states_num: how many items to keep
//
//   4. Database
//      - sqlite_path: path to the SQLite file
//
//   5. Report
//      - dir: output directory
//      - format: "text" | "yaml" | "all"
//
//   6. Metrics
//      - textfile: node exporter textfile path ("" disables)
//
//   7. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "console"
//      - path: log file ("" logs to stderr), rotated by size
//
// Config struct contains all configuration fields
type Config struct {
	// Detector configuration
	Detector struct {
		Type            string
		WinType         string
		WinSize         float64
		Interval        float64
		NormalRange     []float64
		MaxDetectNum    int
		FlowRateWinSize float64
		FeatureOption   map[string]int
		FalseAlarmRate  float64
	}

	// Selection configuration
	Selection struct {
		EntropyThreshold *float64
		Hoeffding        bool
		AbWinPortion     *float64
		AbWinNum         int
	}

	// Identification configuration
	Ident struct {
		Enabled     bool
		Type        string
		EntropyType string
		Portion     *float64
		AbStatesNum int
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Report configuration
	Report struct {
		Dir    string
		Format string
	}

	// Metrics configuration
	Metrics struct {
		Textfile string
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		Path       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}
}

// DetectorConfig converts the detector section into a detector.Config.
func (c *Config) DetectorConfig() (detector.Config, error) {
	axis, err := flow.ParseAxisType(c.Detector.WinType)
	if err != nil {
		return detector.Config{}, err
	}
	if len(c.Detector.NormalRange) != 2 {
		return detector.Config{}, fmt.Errorf("normal_rg must have 2 values, got %d", len(c.Detector.NormalRange))
	}
	features := make(map[string]int, len(c.Detector.FeatureOption))
	for k, v := range c.Detector.FeatureOption {
		features[k] = v
	}
	return detector.Config{
		WinType:         axis,
		WinSize:         c.Detector.WinSize,
		Interval:        c.Detector.Interval,
		NormalRange:     flow.Range{Start: c.Detector.NormalRange[0], End: c.Detector.NormalRange[1]},
		MaxDetectNum:    c.Detector.MaxDetectNum,
		FeatureOption:   features,
		FlowRateWinSize: c.Detector.FlowRateWinSize,
	}, nil
}

// QuantizationLevels returns the fea_option entries that are corpus columns.
// flow_rate configures the window offset and is not quantized from a column.
func (c *Config) QuantizationLevels() map[string]int {
	out := make(map[string]int, len(c.Detector.FeatureOption))
	for k, v := range c.Detector.FeatureOption {
		if k == detector.FlowRateFeature {
			continue
		}
		out[k] = v
	}
	return out
}

// SelectionCriteria returns the abnormal-window criteria when Hoeffding
// thresholds are not requested. Hoeffding thresholds depend on the run and
// are added by the caller.
func (c *Config) SelectionCriteria() selection.Criteria {
	var crit selection.Criteria
	if c.Selection.EntropyThreshold != nil {
		t := *c.Selection.EntropyThreshold
		crit.Threshold = &t
	}
	if c.Selection.AbWinPortion != nil {
		p := *c.Selection.AbWinPortion
		crit.Portion = &p
	}
	crit.Count = c.Selection.AbWinNum
	return crit
}

// IdentCriteria returns the criteria used to keep identified items.
func (c *Config) IdentCriteria() selection.Criteria {
	var crit selection.Criteria
	if c.Ident.Portion != nil {
		p := *c.Ident.Portion
		crit.Portion = &p
	}
	crit.Count = c.Ident.AbStatesNum
	return crit
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
	}
	return mgr, nil
}

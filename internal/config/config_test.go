package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test detector defaults
	assert.Equal(t, "mfmb", cfg.Detector.Type)
	assert.Equal(t, "time", cfg.Detector.WinType)
	assert.Equal(t, 1000.0, cfg.Detector.WinSize)
	assert.Equal(t, []float64{0, 1000}, cfg.Detector.NormalRange)
	assert.Equal(t, 0.001, cfg.Detector.FalseAlarmRate)

	// Test selection defaults
	assert.Nil(t, cfg.Selection.EntropyThreshold)
	assert.Equal(t, 3, cfg.Selection.AbWinNum)

	// Test ident defaults
	assert.True(t, cfg.Ident.Enabled)
	assert.Equal(t, "component", cfg.Ident.Type)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantField string
	}{
		{"unknown detector", func(c *Config) { c.Detector.Type = "robust" }, "detector.type"},
		{"unknown axis", func(c *Config) { c.Detector.WinType = "packet" }, "detector.win_type"},
		{"zero window", func(c *Config) { c.Detector.WinSize = 0 }, "detector.win_size"},
		{"negative interval", func(c *Config) { c.Detector.Interval = -5 }, "detector.interval"},
		{"short normal range", func(c *Config) { c.Detector.NormalRange = []float64{1} }, "detector.normal_rg"},
		{"reversed normal range", func(c *Config) { c.Detector.NormalRange = []float64{5, 1} }, "detector.normal_rg"},
		{"negative cap", func(c *Config) { c.Detector.MaxDetectNum = -1 }, "detector.max_detect_num"},
		{"no quantized feature", func(c *Config) { c.Detector.FeatureOption = map[string]int{"flow_rate": 1} }, "detector.fea_option"},
		{"zero level", func(c *Config) { c.Detector.FeatureOption = map[string]int{"flow_size": 0} }, "detector.fea_option.flow_size"},
		{"bad false alarm rate", func(c *Config) {
			c.Selection.Hoeffding = true
			c.Detector.FalseAlarmRate = 2
		}, "detector.false_alarm_rate"},
		{"bad portion", func(c *Config) {
			p := 1.5
			c.Selection.AbWinPortion = &p
		}, "selection.ab_win_portion"},
		{"no criterion", func(c *Config) { c.Selection.AbWinNum = 0 }, "selection"},
		{"unknown algorithm", func(c *Config) { c.Ident.Type = "bayes" }, "ident.type"},
		{"unknown entropy type", func(c *Config) { c.Ident.EntropyType = "joint" }, "ident.entropy_type"},
		{"entropy type not scored", func(c *Config) {
			c.Detector.Type = "mf"
			c.Ident.EntropyType = "mb"
		}, "ident.entropy_type"},
		{"no ident count", func(c *Config) { c.Ident.AbStatesNum = 0 }, "ident.ab_states_num"},
		{"no sqlite path", func(c *Config) { c.Database.SQLitePath = "" }, "database.sqlite_path"},
		{"bad report format", func(c *Config) { c.Report.Format = "pdf" }, "report.format"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)
			errs := cfg.Validate()
			require.NotEmpty(t, errs)

			var fields []string
			for _, err := range errs {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				fields = append(fields, ve.Field)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestIdentDisabledSkipsIdentChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ident.Enabled = false
	cfg.Ident.Type = "bayes"
	assert.Empty(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowguard.yaml")
	yaml := `
detector:
  type: mf
  win_type: flow
  win_size: 200
  interval: 100
  normal_rg: [0, 2000]
  max_detect_num: 50
  fea_option:
    flow_size: 4
    duration: 3
    flow_rate: 1
selection:
  entropy_threshold: 0.25
ident:
  type: mass_shift
  entropy_type: mb
  portion: 0.1
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	mgr, err := NewConfigManager(path)
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))
	require.NoError(t, mgr.Validate(context.Background()))

	cfg := mgr.Get(context.Background())
	assert.Equal(t, "mf", cfg.Detector.Type)
	assert.Equal(t, 200.0, cfg.Detector.WinSize)
	assert.Equal(t, []float64{0, 2000}, cfg.Detector.NormalRange)
	assert.Equal(t, map[string]int{"flow_size": 4, "duration": 3, "flow_rate": 1}, cfg.Detector.FeatureOption)
	assert.Equal(t, map[string]int{"flow_size": 4, "duration": 3}, cfg.QuantizationLevels())
	require.NotNil(t, cfg.Selection.EntropyThreshold)
	assert.Equal(t, 0.25, *cfg.Selection.EntropyThreshold)
	assert.Nil(t, cfg.Selection.AbWinPortion)
	require.NotNil(t, cfg.Ident.Portion)
	assert.Equal(t, "mass_shift", cfg.Ident.Type)

	// untouched sections keep their defaults
	assert.Equal(t, "flowguard.db", cfg.Database.SQLitePath)
	assert.Equal(t, "debug", cfg.Logging.Level)

	dc, err := cfg.DetectorConfig()
	require.NoError(t, err)
	assert.Equal(t, flow.AxisFlow, dc.WinType)
	assert.Equal(t, flow.Range{Start: 0, End: 2000}, dc.NormalRange)
	assert.Equal(t, 100.0, dc.InitialOffset())
	require.NoError(t, dc.Validate())

	crit := cfg.SelectionCriteria()
	require.NotNil(t, crit.Threshold)
	assert.Equal(t, 0.25, *crit.Threshold)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))
	assert.Equal(t, DefaultConfig(), mgr.Get(context.Background()))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLOWGUARD_DETECTOR_WIN_SIZE", "42")
	t.Setenv("FLOWGUARD_DETECTOR_NORMAL_RG", "10,20")
	t.Setenv("FLOWGUARD_SELECTION_AB_WIN_PORTION", "0.2")

	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))

	cfg := mgr.Get(context.Background())
	assert.Equal(t, 42.0, cfg.Detector.WinSize)
	assert.Equal(t, []float64{10, 20}, cfg.Detector.NormalRange)
	require.NotNil(t, cfg.Selection.AbWinPortion)
	assert.Equal(t, 0.2, *cfg.Selection.AbWinPortion)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector: [unclosed"), 0o644))

	mgr, err := NewConfigManager(path)
	require.NoError(t, err)
	assert.Error(t, mgr.Load(context.Background()))
}

func TestValidateJoinsErrors(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, mgr.Load(context.Background()))

	cfg := mgr.Get(context.Background())
	cfg.Detector.WinSize = 0
	cfg.Report.Format = "pdf"

	err = mgr.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "detector.win_size")
	assert.Contains(t, err.Error(), "report.format")
}

func TestDetectorConfigRejectsBadAxis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Detector.WinType = "packet"
	_, err := cfg.DetectorConfig()
	assert.ErrorIs(t, err, flow.ErrUnsupportedAxisType)
}

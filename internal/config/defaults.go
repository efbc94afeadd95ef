package config

// DefaultConfigPath is read when no --config flag is given.
const DefaultConfigPath = "flowguard.yaml"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Detector defaults
	cfg.Detector.Type = "mfmb"
	cfg.Detector.WinType = "time"
	cfg.Detector.WinSize = 1000
	cfg.Detector.Interval = 1000
	cfg.Detector.NormalRange = []float64{0, 1000}
	cfg.Detector.MaxDetectNum = 0 // 0 means scan until exhausted
	cfg.Detector.FlowRateWinSize = 100
	cfg.Detector.FeatureOption = map[string]int{
		"flow_size": 2,
	}
	cfg.Detector.FalseAlarmRate = 0.001

	// Selection defaults
	cfg.Selection.Hoeffding = false
	cfg.Selection.AbWinNum = 3

	// Ident defaults
	cfg.Ident.Enabled = true
	cfg.Ident.Type = "component"
	cfg.Ident.EntropyType = "mf"
	cfg.Ident.AbStatesNum = 5

	// Database defaults
	cfg.Database.SQLitePath = "flowguard.db"

	// Report defaults
	cfg.Report.Dir = "report"
	cfg.Report.Format = "all"

	// Metrics defaults
	cfg.Metrics.Textfile = ""

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Logging.Path = ""
	cfg.Logging.MaxSizeMB = 100 // megabytes
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}

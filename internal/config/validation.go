package config

import (
	"fmt"
	"math"

	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/kubilitics-flowguard/internal/detector"
	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
	"github.com/kubilitics/kubilitics-flowguard/internal/ident"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate detector configuration
	strategy, err := detector.NewStrategy(c.Detector.Type)
	if err != nil {
		add("detector.type", "must be one of %v, got %q", detector.StrategyNames(), c.Detector.Type)
	}
	if _, err := flow.ParseAxisType(c.Detector.WinType); err != nil {
		add("detector.win_type", "must be %q or %q, got %q", flow.AxisTime, flow.AxisFlow, c.Detector.WinType)
	}
	if !(c.Detector.WinSize > 0) || math.IsInf(c.Detector.WinSize, 0) {
		add("detector.win_size", "must be positive, got %g", c.Detector.WinSize)
	}
	if !(c.Detector.Interval > 0) || math.IsInf(c.Detector.Interval, 0) {
		add("detector.interval", "must be positive, got %g", c.Detector.Interval)
	}
	if len(c.Detector.NormalRange) != 2 {
		add("detector.normal_rg", "must have 2 values, got %d", len(c.Detector.NormalRange))
	} else if !(c.Detector.NormalRange[1] > c.Detector.NormalRange[0]) {
		add("detector.normal_rg", "end %g must be after start %g", c.Detector.NormalRange[1], c.Detector.NormalRange[0])
	}
	if c.Detector.MaxDetectNum < 0 {
		add("detector.max_detect_num", "must not be negative, got %d", c.Detector.MaxDetectNum)
	}
	if c.Detector.FlowRateWinSize < 0 {
		add("detector.fr_win_size", "must not be negative, got %g", c.Detector.FlowRateWinSize)
	}
	if len(c.QuantizationLevels()) == 0 {
		add("detector.fea_option", "at least one quantized feature is required")
	}
	for name, level := range c.QuantizationLevels() {
		if level < 1 {
			add("detector.fea_option."+name, "quantization level must be at least 1, got %d", level)
		}
	}
	if c.Selection.Hoeffding && !(c.Detector.FalseAlarmRate > 0 && c.Detector.FalseAlarmRate < 1) {
		add("detector.false_alarm_rate", "must be in (0, 1), got %g", c.Detector.FalseAlarmRate)
	}

	// Validate selection configuration
	if p := c.Selection.AbWinPortion; p != nil && (*p < 0 || *p > 1 || math.IsNaN(*p)) {
		add("selection.ab_win_portion", "must be in [0, 1], got %g", *p)
	}
	if c.Selection.EntropyThreshold == nil && !c.Selection.Hoeffding && c.Selection.AbWinPortion == nil && c.Selection.AbWinNum <= 0 {
		add("selection", "one of entropy_threshold, hoeffding, ab_win_portion or a positive ab_win_num is required")
	}

	// Validate ident configuration
	if c.Ident.Enabled {
		if _, err := ident.Lookup(c.Ident.Type); err != nil {
			add("ident.type", "must be one of %v, got %q", ident.AlgorithmNames(), c.Ident.Type)
		}
		mode, err := ident.ParseMode(c.Ident.EntropyType)
		if err != nil {
			add("ident.entropy_type", "must be %q or %q, got %q", ident.ModeModelFree, ident.ModeModelBased, c.Ident.EntropyType)
		} else if strategy != nil && !scores(strategy, detector.Component(mode)) {
			add("ident.entropy_type", "detector %s does not produce %s scores", strategy.Name(), mode)
		}
		if p := c.Ident.Portion; p != nil && (*p < 0 || *p > 1 || math.IsNaN(*p)) {
			add("ident.portion", "must be in [0, 1], got %g", *p)
		}
		if c.Ident.Portion == nil && c.Ident.AbStatesNum <= 0 {
			add("ident.ab_states_num", "must be positive when ident.portion is unset, got %d", c.Ident.AbStatesNum)
		}
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		add("database.sqlite_path", "sqlite_path is required")
	}

	// Validate report configuration
	switch c.Report.Format {
	case "text", "yaml", "all":
	default:
		add("report.format", "must be text, yaml or all, got %q", c.Report.Format)
	}

	// Validate logging configuration
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format", "must be json or console, got %q", c.Logging.Format)
	}
	if c.Logging.Path != "" && c.Logging.MaxSizeMB <= 0 {
		add("logging.max_size_mb", "must be positive when logging.path is set, got %d", c.Logging.MaxSizeMB)
	}

	return errs
}

func scores(s detector.Strategy, c detector.Component) bool {
	for _, have := range s.Components() {
		if have == c {
			return true
		}
	}
	return false
}

package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
	"github.com/kubilitics/kubilitics-flowguard/internal/metrics"
	"github.com/kubilitics/kubilitics-flowguard/internal/selection"
)

// Option customizes a Detector.
type Option func(*Detector)

// WithLogger sets the logger the scan reports to.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRetainedComponents limits the measure stored on each record to the
// parts the named components read. Passing none stores scores only.
func WithRetainedComponents(components ...Component) Option {
	return func(d *Detector) {
		d.retain = append([]Component(nil), components...)
		d.retainSet = true
	}
}

// Detector runs the sliding-window scan and owns its records.
type Detector struct {
	cfg      Config
	strategy Strategy
	logger   *zap.Logger

	retain    []Component
	retainSet bool

	source   flow.DataSource
	baseline *flow.EmpiricalMeasure
	records  []Record
}

// New creates a detector for one configuration and strategy.
func New(cfg Config, strategy Strategy, opts ...Option) (*Detector, error) {
	if strategy == nil {
		return nil, fmt.Errorf("%w: nil strategy", ErrUnknownStrategy)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	d := &Detector{
		cfg:      cfg,
		strategy: strategy,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("detector", strategy.Name()))
	return d, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// Strategy returns the divergence strategy.
func (d *Detector) Strategy() Strategy { return d.strategy }

// Detect computes the baseline and scans src window by window, replacing the
// records of any earlier run. It returns the records in window order; running
// out of data ends the scan without an error.
func (d *Detector) Detect(ctx context.Context, src flow.DataSource) ([]Record, error) {
	d.Reset()
	name := d.strategy.Name()
	start := time.Now()
	defer func() {
		metrics.DetectionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	baseline, err := d.strategy.ExtractMeasure(ctx, src, d.cfg.NormalRange, d.cfg.WinType)
	if err != nil {
		return nil, fmt.Errorf("compute baseline over %s: %w", d.cfg.NormalRange, err)
	}
	d.source = src
	d.baseline = &baseline

	offset := d.cfg.InitialOffset()
	d.logger.Info("detection started",
		zap.String("win_type", string(d.cfg.WinType)),
		zap.Float64("win_size", d.cfg.WinSize),
		zap.Float64("interval", d.cfg.Interval),
		zap.Float64("offset", offset),
		zap.Int("max_detect_num", d.cfg.MaxDetectNum),
	)

scan:
	for window := 0; d.cfg.MaxDetectNum == 0 || window < d.cfg.MaxDetectNum; window++ {
		cursor := offset + float64(window)*d.cfg.Interval
		rg := flow.Range{Start: cursor, End: cursor + d.cfg.WinSize}

		em, err := d.strategy.ExtractMeasure(ctx, src, rg, d.cfg.WinType)
		switch {
		case errors.Is(err, flow.ErrNoDataInRange):
			d.logger.Info("window skipped, no data", zap.Int("window", window), zap.Stringer("range", rg))
			metrics.WindowsTotal.WithLabelValues(name, metrics.ResultSkipped).Inc()
			continue
		case errors.Is(err, flow.ErrDataExhausted):
			d.logger.Info("data exhausted", zap.Int("window", window), zap.Stringer("range", rg))
			metrics.WindowsTotal.WithLabelValues(name, metrics.ResultExhausted).Inc()
			break scan
		case err != nil:
			d.Reset()
			return nil, fmt.Errorf("window %d %s: %w", window, rg, err)
		}

		score, err := d.strategy.Score(em, baseline)
		if err != nil {
			d.Reset()
			return nil, fmt.Errorf("window %d %s: %w", window, rg, err)
		}
		d.records = append(d.records, Record{
			Window:      window,
			WindowStart: cursor,
			Score:       score,
			Measure:     d.retained(em),
		})
		metrics.WindowsTotal.WithLabelValues(name, metrics.ResultScored).Inc()
		d.logger.Debug("window scored", zap.Int("window", window), zap.Stringer("range", rg), zap.Stringer("score", score))
	}

	d.logger.Info("detection finished",
		zap.Int("records", len(d.records)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return d.Records(), nil
}

func (d *Detector) retained(em flow.EmpiricalMeasure) flow.EmpiricalMeasure {
	if !d.retainSet {
		return em
	}
	var out flow.EmpiricalMeasure
	for _, c := range d.retain {
		switch c {
		case ModelFree:
			out.PMF = em.PMF
		case ModelBased:
			out.Transition, out.Marginal = em.Transition, em.Marginal
		}
	}
	return out
}

// Reset clears the baseline and records, keeping the configuration.
func (d *Detector) Reset() {
	d.source = nil
	d.baseline = nil
	d.records = nil
}

// Records returns a copy of the recorded sequence.
func (d *Detector) Records() []Record {
	return append([]Record(nil), d.records...)
}

// Baseline returns the nominal measure of the last run.
func (d *Detector) Baseline() (flow.EmpiricalMeasure, error) {
	if d.baseline == nil {
		return flow.EmpiricalMeasure{}, ErrNoBaseline
	}
	return *d.baseline, nil
}

// Measures returns the window measures in record order.
func (d *Detector) Measures() []flow.EmpiricalMeasure {
	out := make([]flow.EmpiricalMeasure, len(d.records))
	for i, rec := range d.records {
		out[i] = rec.Measure
	}
	return out
}

// Scores returns one score component in record order.
func (d *Detector) Scores(c Component) ([]float64, error) {
	out := make([]float64, len(d.records))
	for i, rec := range d.records {
		v, err := rec.Score.Value(c)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// AbnormalWindows selects the record indices whose component score meets criteria.
func (d *Detector) AbnormalWindows(c Component, criteria selection.Criteria) ([]int, error) {
	scores, err := d.Scores(c)
	if err != nil {
		return nil, err
	}
	idx, err := selection.Select(scores, criteria)
	if err != nil {
		return nil, fmt.Errorf("select abnormal %s windows: %w", c, err)
	}
	metrics.AbnormalWindows.WithLabelValues(d.strategy.Name(), string(c)).Set(float64(len(idx)))
	return idx, nil
}

// FlowRange maps a record index to the flow sequence numbers it covers.
// On the flow axis the range is (interval*i, interval*(i+1)) and needs no
// lookup; on the time axis the record's window is resolved by the data source.
func (d *Detector) FlowRange(ctx context.Context, index int) (flow.FlowRange, error) {
	if index < 0 {
		return flow.FlowRange{}, fmt.Errorf("%w: %d", ErrRecordIndex, index)
	}
	switch d.cfg.WinType {
	case flow.AxisFlow:
		return flow.FlowRange{
			Start: int(math.Round(d.cfg.Interval * float64(index))),
			End:   int(math.Round(d.cfg.Interval * float64(index+1))),
		}, nil
	case flow.AxisTime:
		if index >= len(d.records) {
			return flow.FlowRange{}, fmt.Errorf("%w: %d of %d", ErrRecordIndex, index, len(d.records))
		}
		if d.source == nil {
			return flow.FlowRange{}, ErrNoBaseline
		}
		ws := d.records[index].WindowStart
		return d.source.ResolveFlowRange(ctx, flow.Range{Start: ws, End: ws + d.cfg.WinSize}, flow.AxisTime)
	default:
		return flow.FlowRange{}, fmt.Errorf("%w: %q", flow.ErrUnsupportedAxisType, d.cfg.WinType)
	}
}

// HoeffdingThresholds returns one threshold per record, computed from the
// number of flows N = end - start + 1 of the record's flow range.
func (d *Detector) HoeffdingThresholds(ctx context.Context, falseAlarmRate float64) ([]float64, error) {
	thresholds := make([]float64, len(d.records))
	for i := range d.records {
		fr, err := d.FlowRange(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("flow range of record %d: %w", i, err)
		}
		th, err := selection.HoeffdingThreshold(fr.End-fr.Start+1, falseAlarmRate)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		thresholds[i] = th
	}
	return thresholds, nil
}

// CalibrateThresholds returns a copy of the records carrying their Hoeffding
// thresholds. The recorded sequence itself is left untouched.
func (d *Detector) CalibrateThresholds(ctx context.Context, falseAlarmRate float64) ([]Record, error) {
	thresholds, err := d.HoeffdingThresholds(ctx, falseAlarmRate)
	if err != nil {
		return nil, err
	}
	out := d.Records()
	for i := range out {
		out[i].Threshold = thresholds[i]
	}
	return out, nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-flowguard/internal/config"
	"github.com/kubilitics/kubilitics-flowguard/internal/db"
	"github.com/kubilitics/kubilitics-flowguard/internal/detector"
	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
	"github.com/kubilitics/kubilitics-flowguard/internal/ident"
	"github.com/kubilitics/kubilitics-flowguard/internal/metrics"
	"github.com/kubilitics/kubilitics-flowguard/internal/report"
	"github.com/kubilitics/kubilitics-flowguard/internal/selection"
)

// Package pipeline runs one end-to-end detection over a stored corpus.
//
// Steps:
//  1. Load the corpus from the store and quantize it
//  2. Scan it with the configured detector
//  3. Select abnormal windows per score component: explicit threshold,
//     then Hoeffding thresholds, then portion, then count
//  4. Identify the contributing states or transitions
//  5. Persist the run, write the reports and the metrics textfile

// Result is the outcome of one pipeline run.
type Result struct {
	RunID        string
	Corpus       string
	Detector     string
	Records      []detector.Record
	Abnormal     map[detector.Component][]int
	Mode         ident.Mode
	Contributors []ident.Contributor
	Flows        []int
	Reports      []string
}

// Runner executes detection runs.
type Runner struct {
	cfg      *config.Config
	store    db.Store
	exporter *report.Exporter
	logger   *zap.Logger
}

// NewRunner creates a runner. Reports are skipped when cfg.Report.Dir is empty.
func NewRunner(cfg *config.Config, store db.Store, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, store: store, logger: logger}
	if cfg.Report.Dir != "" {
		exp, err := report.NewExporter(cfg.Report.Dir, cfg.Report.Format, logger.Named("report"))
		if err != nil {
			return nil, err
		}
		r.exporter = exp
	}
	return r, nil
}

// Run detects anomalies in the named corpus.
func (r *Runner) Run(ctx context.Context, corpusName string) (*Result, error) {
	header, flows, err := r.store.LoadCorpus(ctx, corpusName)
	if err != nil {
		return nil, fmt.Errorf("load corpus %q: %w", corpusName, err)
	}
	corpus, err := flow.NewCorpus(header.FeatureNames, flows, r.cfg.QuantizationLevels())
	if err != nil {
		return nil, fmt.Errorf("index corpus %q: %w", corpusName, err)
	}

	dcfg, err := r.cfg.DetectorConfig()
	if err != nil {
		return nil, err
	}
	strategy, err := detector.NewStrategy(r.cfg.Detector.Type)
	if err != nil {
		return nil, err
	}
	// Only identification reads the window measures after scoring.
	var retain []detector.Component
	if r.cfg.Ident.Enabled {
		retain = append(retain, detector.Component(r.cfg.Ident.EntropyType))
	}
	d, err := detector.New(dcfg, strategy,
		detector.WithLogger(r.logger.Named("detector")),
		detector.WithRetainedComponents(retain...),
	)
	if err != nil {
		return nil, err
	}

	records, err := d.Detect(ctx, corpus)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:    uuid.NewString(),
		Corpus:   corpusName,
		Detector: strategy.Name(),
		Records:  records,
		Abnormal: make(map[detector.Component][]int),
	}
	createdAt := time.Now().UTC()

	if len(records) == 0 {
		r.logger.Warn("no windows scored", zap.String("corpus", corpusName))
	} else {
		if err := r.selectAbnormal(ctx, d, res); err != nil {
			return nil, err
		}
		if err := r.identify(ctx, d, corpus, res); err != nil {
			return nil, err
		}
		if len(res.Contributors) == 0 {
			// nothing narrowed the windows down, so report every flow in them
			flows, err := report.AbnormalFlows(ctx, d, report.FlaggedWindows(res.Abnormal, res.Mode))
			if err != nil {
				return nil, err
			}
			res.Flows = flows
		}
	}

	if err := r.store.SaveRun(ctx, runRecord(res, dcfg, createdAt)); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	if r.exporter != nil {
		paths, err := r.exporter.Export(ctx, &report.Run{
			ID:           res.RunID,
			Corpus:       corpusName,
			CreatedAt:    createdAt,
			Detector:     d,
			Source:       corpus,
			Abnormal:     res.Abnormal,
			Mode:         res.Mode,
			Contributors: res.Contributors,
		})
		if err != nil {
			return nil, fmt.Errorf("export reports: %w", err)
		}
		res.Reports = paths
	}

	if path := r.cfg.Metrics.Textfile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			return nil, err
		}
	}

	r.logger.Info("run finished",
		zap.String("run_id", res.RunID),
		zap.String("corpus", corpusName),
		zap.Int("records", len(res.Records)),
		zap.Int("contributors", len(res.Contributors)),
	)
	return res, nil
}

// selectAbnormal fills res.Abnormal for every component the strategy scores.
func (r *Runner) selectAbnormal(ctx context.Context, d *detector.Detector, res *Result) error {
	criteria := r.cfg.SelectionCriteria()
	if r.cfg.Selection.Hoeffding && criteria.Threshold == nil {
		calibrated, err := d.CalibrateThresholds(ctx, r.cfg.Detector.FalseAlarmRate)
		if err != nil {
			return fmt.Errorf("hoeffding thresholds: %w", err)
		}
		thresholds := make([]float64, len(calibrated))
		for i, rec := range calibrated {
			thresholds[i] = rec.Threshold
		}
		criteria = selection.ByThresholds(thresholds)
		res.Records = calibrated
	}

	for _, c := range d.Strategy().Components() {
		idx, err := d.AbnormalWindows(c, criteria)
		if err != nil {
			return fmt.Errorf("select %s abnormal windows by %s: %w", c, criteria, err)
		}
		res.Abnormal[c] = idx
		r.logger.Info("abnormal windows selected",
			zap.String("component", string(c)),
			zap.Stringer("criteria", criteria),
			zap.Ints("windows", idx),
		)
	}
	return nil
}

// identify fills res.Mode when identification is enabled, and res.Contributors
// and res.Flows when the mode's component found abnormal windows.
func (r *Runner) identify(ctx context.Context, d *detector.Detector, src flow.DataSource, res *Result) error {
	if !r.cfg.Ident.Enabled {
		return nil
	}
	mode, err := ident.ParseMode(r.cfg.Ident.EntropyType)
	if err != nil {
		return err
	}
	abnormal, ok := res.Abnormal[detector.Component(mode)]
	if !ok {
		return fmt.Errorf("%w: detector %s does not score %s", ident.ErrUnknownMode, res.Detector, mode)
	}
	res.Mode = mode
	if len(abnormal) == 0 {
		r.logger.Info("identification skipped, no abnormal windows", zap.String("mode", string(mode)))
		return nil
	}

	baseline, err := d.Baseline()
	if err != nil {
		return err
	}
	criteria := r.cfg.IdentCriteria()
	if criteria.Portion == nil {
		// ab_states_num is an upper bound; small state spaces keep every item.
		if items := itemCount(baseline, mode); criteria.Count > items {
			criteria.Count = items
		}
	}

	contributors, err := ident.Identify(d.Measures(), baseline, abnormal, mode, r.cfg.Ident.Type, criteria)
	if err != nil {
		return err
	}
	flows, err := report.ContributingFlows(ctx, d, src, abnormal, mode, contributors)
	if err != nil {
		return err
	}
	res.Contributors = contributors
	res.Flows = flows
	r.logger.Info("contributors identified",
		zap.String("mode", string(mode)),
		zap.String("algorithm", r.cfg.Ident.Type),
		zap.Int("contributors", len(contributors)),
		zap.Int("flows", len(flows)),
	)
	return nil
}

func itemCount(baseline flow.EmpiricalMeasure, mode ident.Mode) int {
	if mode == ident.ModeModelBased {
		return len(baseline.Marginal) * len(baseline.Marginal)
	}
	return len(baseline.PMF)
}

// runRecord converts a result into its persisted form.
func runRecord(res *Result, cfg detector.Config, createdAt time.Time) *db.RunRecord {
	blob, err := json.Marshal(cfg)
	if err != nil {
		blob = []byte("{}")
	}
	run := &db.RunRecord{
		ID:        res.RunID,
		Corpus:    res.Corpus,
		Detector:  res.Detector,
		Config:    string(blob),
		CreatedAt: createdAt,
	}
	for i, rec := range res.Records {
		w := db.WindowRecord{
			Index:       i,
			Window:      rec.Window,
			WindowStart: rec.WindowStart,
			Threshold:   rec.Threshold,
		}
		if v, err := rec.Score.Value(detector.ModelFree); err == nil {
			w.ModelFree = v
		}
		if v, err := rec.Score.Value(detector.ModelBased); err == nil {
			w.ModelBased = v
		}
		run.Windows = append(run.Windows, w)
	}
	for _, c := range []detector.Component{detector.ModelFree, detector.ModelBased} {
		for _, idx := range res.Abnormal[c] {
			run.Abnormal = append(run.Abnormal, db.AbnormalRecord{Component: string(c), Index: idx})
		}
	}
	for rank, c := range res.Contributors {
		run.Contributors = append(run.Contributors, db.ContributorRecord{
			Mode:       string(res.Mode),
			Rank:       rank,
			State:      c.State,
			Next:       c.Next,
			Transition: c.Transition,
			Score:      c.Score,
		})
	}
	return run
}

// IsNotFound reports whether err means the requested corpus or run does not exist.
func IsNotFound(err error) bool { return errors.Is(err, db.ErrNotFound) }

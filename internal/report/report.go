package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-flowguard/internal/detector"
	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
	"github.com/kubilitics/kubilitics-flowguard/internal/ident"
)

// Package report exports the outcome of a detection run.
//
// Responsibilities:
//   - Text report of the flows inside every abnormal window, one file per score component
//   - YAML summary of the records, abnormal windows and identified contributors
//   - Series dump (window start followed by the scores) for plotting tools
//   - Sequence numbers of the flows behind abnormal windows and contributors
//
// File names inside the run directory:
//
//	abnormal-flows.txt        single-component detectors
//	mf-abnormal-flows.txt     combined detectors, one per component
//	mb-abnormal-flows.txt
//	summary.yaml
//	series.dat

// Formats accepted by NewExporter.
const (
	FormatText = "text"
	FormatYAML = "yaml"
	FormatAll  = "all"
)

const (
	textReportName = "abnormal-flows.txt"
	summaryName    = "summary.yaml"
	seriesName     = "series.dat"
)

// ErrUnknownFormat is returned for a report format other than text, yaml or all.
var ErrUnknownFormat = errors.New("unknown report format")

// Run is everything the exporter needs to know about a finished detection run.
type Run struct {
	ID        string
	Corpus    string
	CreatedAt time.Time

	Detector *detector.Detector
	Source   flow.DataSource

	// Abnormal holds the abnormal record indices per score component.
	Abnormal map[detector.Component][]int

	// Mode and Contributors are empty when identification did not run.
	Mode         ident.Mode
	Contributors []ident.Contributor
}

// Summary is the YAML form of a run.
type Summary struct {
	ID             string            `yaml:"id"`
	Corpus         string            `yaml:"corpus"`
	Detector       string            `yaml:"detector"`
	CreatedAt      time.Time         `yaml:"created_at"`
	Config         detector.Config   `yaml:"config"`
	Records        []detector.Record `yaml:"records"`
	Abnormal       map[string][]int  `yaml:"abnormal"`
	Identification *Identification   `yaml:"identification,omitempty"`
	AbnormalFlows  []int             `yaml:"abnormal_flows,omitempty"`
}

// Identification is the identified part of a run summary.
type Identification struct {
	Mode         string              `yaml:"mode"`
	Contributors []ident.Contributor `yaml:"contributors"`
	Flows        []int               `yaml:"flows"`
}

// Exporter writes run reports below a base directory.
type Exporter struct {
	dir    string
	format string
	logger *zap.Logger
}

// NewExporter creates an exporter. A nil logger disables logging.
func NewExporter(dir, format string, logger *zap.Logger) (*Exporter, error) {
	switch format {
	case FormatText, FormatYAML, FormatAll:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{dir: dir, format: format, logger: logger}, nil
}

// Export writes the reports of run into <dir>/<run id> and returns the paths written.
func (e *Exporter) Export(ctx context.Context, run *Run) ([]string, error) {
	if run.Detector == nil || run.Source == nil {
		return nil, errors.New("report: run has no detector or source")
	}
	runDir := filepath.Join(e.dir, run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	var written []string
	write := func(name string, fn func(io.Writer) error) error {
		path := filepath.Join(runDir, name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		written = append(written, path)
		return nil
	}

	if e.format == FormatText || e.format == FormatAll {
		components := run.Detector.Strategy().Components()
		for _, c := range components {
			name := textReportName
			if len(components) > 1 {
				name = string(c) + "-" + textReportName
			}
			err := write(name, func(w io.Writer) error {
				return WriteText(ctx, w, run.Detector, run.Source, c, run.Abnormal[c])
			})
			if err != nil {
				return written, err
			}
		}
		if err := write(seriesName, func(w io.Writer) error {
			return WriteSeries(w, run.Detector)
		}); err != nil {
			return written, err
		}
	}

	if e.format == FormatYAML || e.format == FormatAll {
		summary, err := BuildSummary(ctx, run)
		if err != nil {
			return written, err
		}
		if err := write(summaryName, func(w io.Writer) error {
			return WriteSummary(w, summary)
		}); err != nil {
			return written, err
		}
	}

	e.logger.Info("reports written", zap.String("run_id", run.ID), zap.Strings("files", written))
	return written, nil
}

// WriteText writes the flows of every abnormal window of component c.
func WriteText(ctx context.Context, w io.Writer, d *detector.Detector, src flow.DataSource,
	c detector.Component, abnormal []int) error {
	records := d.Records()
	cfg := d.Config()
	names := src.FeatureNames()

	for seq, idx := range abnormal {
		if idx < 0 || idx >= len(records) {
			return fmt.Errorf("%w: %d", detector.ErrRecordIndex, idx)
		}
		rec := records[idx]
		score, err := rec.Score.Value(c)
		if err != nil {
			return err
		}
		rg := flow.Range{Start: rec.WindowStart, End: rec.WindowStart + cfg.WinSize}
		fr, err := src.ResolveFlowRange(ctx, rg, cfg.WinType)
		if err != nil && !errors.Is(err, flow.ErrNoDataInRange) {
			return fmt.Errorf("record %d: %w", idx, err)
		}
		rows, err := src.FeatureSlice(ctx, rg, cfg.WinType)
		if err != nil && !errors.Is(err, flow.ErrNoDataInRange) {
			return fmt.Errorf("record %d: %w", idx, err)
		}

		if _, err := fmt.Fprintf(w, "Seq # [%d] for abnormal window: [%d], entropy: [%f], start time [%f]\n",
			seq, idx, score, rec.WindowStart); err != nil {
			return err
		}
		for i, row := range rows {
			fields := make([]string, len(row))
			for k, v := range row {
				fields[k] = fmt.Sprintf("%s - %f", names[k], v)
			}
			if _, err := fmt.Fprintf(w, "Sample # %d\t%s\n", fr.Start+i, strings.Join(fields, "\t")); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteSeries writes one line per record: the window start followed by the
// score components in strategy order.
func WriteSeries(w io.Writer, d *detector.Detector) error {
	components := d.Strategy().Components()
	for _, rec := range d.Records() {
		line := fmt.Sprintf("%f", rec.WindowStart)
		for _, c := range components {
			v, err := rec.Score.Value(c)
			if err != nil {
				return err
			}
			line += fmt.Sprintf(" %f", v)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// BuildSummary assembles the YAML summary of run.
func BuildSummary(ctx context.Context, run *Run) (*Summary, error) {
	s := &Summary{
		ID:        run.ID,
		Corpus:    run.Corpus,
		Detector:  run.Detector.Strategy().Name(),
		CreatedAt: run.CreatedAt.UTC(),
		Config:    run.Detector.Config(),
		Records:   run.Detector.Records(),
		Abnormal:  make(map[string][]int, len(run.Abnormal)),
	}
	for c, idx := range run.Abnormal {
		s.Abnormal[string(c)] = append([]int{}, idx...)
	}

	if run.Mode != "" {
		flows, err := ContributingFlows(ctx, run.Detector, run.Source,
			run.Abnormal[detector.Component(run.Mode)], run.Mode, run.Contributors)
		if err != nil {
			return nil, err
		}
		s.Identification = &Identification{
			Mode:         string(run.Mode),
			Contributors: append([]ident.Contributor{}, run.Contributors...),
			Flows:        flows,
		}
	}
	if len(run.Contributors) == 0 {
		flows, err := AbnormalFlows(ctx, run.Detector, FlaggedWindows(run.Abnormal, run.Mode))
		if err != nil {
			return nil, err
		}
		s.AbnormalFlows = flows
	}
	return s, nil
}

// WriteSummary encodes s as YAML.
func WriteSummary(w io.Writer, s *Summary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// FlaggedWindows returns the abnormal record indices of the identification
// mode's component, or the ascending union over all components when mode is
// empty.
func FlaggedWindows(abnormal map[detector.Component][]int, mode ident.Mode) []int {
	if mode != "" {
		return append([]int{}, abnormal[detector.Component(mode)]...)
	}
	seen := make(map[int]bool)
	out := []int{}
	for _, idx := range abnormal {
		for _, i := range idx {
			if !seen[i] {
				seen[i] = true
				out = append(out, i)
			}
		}
	}
	sort.Ints(out)
	return out
}

// AbnormalFlows returns the sequence numbers of every flow in the abnormal
// windows, in window order.
func AbnormalFlows(ctx context.Context, d *detector.Detector, abnormal []int) ([]int, error) {
	var seqs []int
	for _, idx := range abnormal {
		fr, err := d.FlowRange(ctx, idx)
		if err != nil {
			return nil, err
		}
		for s := fr.Start; s < fr.End; s++ {
			seqs = append(seqs, s)
		}
	}
	return seqs, nil
}

// ContributingFlows narrows AbnormalFlows to the flows whose state (mf) is an
// identified contributor, or that take part in an identified transition (mb).
func ContributingFlows(ctx context.Context, d *detector.Detector, src flow.DataSource, abnormal []int,
	mode ident.Mode, contributors []ident.Contributor) ([]int, error) {
	states := make(map[flow.State]bool)
	transitions := make(map[[2]flow.State]bool)
	for _, c := range contributors {
		if c.Transition {
			transitions[[2]flow.State{flow.State(c.State), flow.State(c.Next)}] = true
		} else {
			states[flow.State(c.State)] = true
		}
	}

	seqs := []int{}
	if len(contributors) == 0 {
		return seqs, nil
	}
	for _, idx := range abnormal {
		fr, err := d.FlowRange(ctx, idx)
		if err != nil {
			return nil, err
		}
		if fr.Len() == 0 {
			continue
		}
		labels, err := src.QuantizedStates(ctx, fr)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", idx, err)
		}

		switch mode {
		case ident.ModeModelFree:
			for i, s := range labels {
				if states[s] {
					seqs = append(seqs, fr.Start+i)
				}
			}
		case ident.ModeModelBased:
			member := make(map[int]bool)
			for i := 0; i+1 < len(labels); i++ {
				if transitions[[2]flow.State{labels[i], labels[i+1]}] {
					member[fr.Start+i] = true
					member[fr.Start+i+1] = true
				}
			}
			window := make([]int, 0, len(member))
			for s := range member {
				window = append(window, s)
			}
			sort.Ints(window)
			seqs = append(seqs, window...)
		default:
			return nil, fmt.Errorf("%w: %q", ident.ErrUnknownMode, mode)
		}
	}
	return seqs, nil
}

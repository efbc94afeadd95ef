package report

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-flowguard/internal/detector"
	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
	"github.com/kubilitics/kubilitics-flowguard/internal/ident"
)

// detectedCorpus runs a combined detector over ten alternating flows followed
// by five flows stuck in the high state; record 2 is the anomaly.
func detectedCorpus(t *testing.T) (*detector.Detector, *flow.Corpus) {
	t.Helper()
	records := make([]flow.Record, 15)
	for i := range records {
		size := 0.0
		if i%2 == 1 || i >= 10 {
			size = 10
		}
		records[i] = flow.Record{Timestamp: float64(i), Features: []float64{size, 1}}
	}
	corpus, err := flow.NewCorpus([]string{"flow_size", "duration"}, records, map[string]int{"flow_size": 2})
	require.NoError(t, err)

	strategy, err := detector.NewStrategy(detector.StrategyCombined)
	require.NoError(t, err)
	d, err := detector.New(detector.Config{
		WinType:       flow.AxisFlow,
		WinSize:       5,
		Interval:      5,
		NormalRange:   flow.Range{Start: 0, End: 10},
		FeatureOption: map[string]int{"flow_size": 2},
	}, strategy)
	require.NoError(t, err)

	_, err = d.Detect(context.Background(), corpus)
	require.NoError(t, err)
	return d, corpus
}

func TestWriteText(t *testing.T) {
	d, corpus := detectedCorpus(t)

	var buf bytes.Buffer
	require.NoError(t, WriteText(context.Background(), &buf, d, corpus, detector.ModelFree, []int{2}))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Seq # [0] for abnormal window: [2], entropy: [0.693147], start time [10.000000]", lines[0])
	assert.Equal(t, "Sample # 10\tflow_size - 10.000000\tduration - 1.000000", lines[1])
	assert.True(t, strings.HasPrefix(lines[5], "Sample # 14\t"))

	buf.Reset()
	require.NoError(t, WriteText(context.Background(), &buf, d, corpus, detector.ModelBased, []int{2}))
	assert.Contains(t, buf.String(), "entropy: [+Inf]")
}

func TestWriteTextBadIndex(t *testing.T) {
	d, corpus := detectedCorpus(t)
	err := WriteText(context.Background(), &bytes.Buffer{}, d, corpus, detector.ModelFree, []int{7})
	assert.ErrorIs(t, err, detector.ErrRecordIndex)
}

func TestWriteSeries(t *testing.T) {
	d, _ := detectedCorpus(t)

	var buf bytes.Buffer
	require.NoError(t, WriteSeries(&buf, d))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "0.000000 "))
	assert.Equal(t, "10.000000 0.693147 +Inf", lines[2])
}

func TestAbnormalFlows(t *testing.T) {
	d, _ := detectedCorpus(t)

	seqs, err := AbnormalFlows(context.Background(), d, []int{2})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11, 12, 13, 14}, seqs)

	_, err = AbnormalFlows(context.Background(), d, []int{-1})
	assert.ErrorIs(t, err, detector.ErrRecordIndex)
}

func TestFlaggedWindows(t *testing.T) {
	abnormal := map[detector.Component][]int{
		detector.ModelFree:  {4, 1},
		detector.ModelBased: {1, 2},
	}
	assert.Equal(t, []int{1, 2, 4}, FlaggedWindows(abnormal, ""))
	assert.Equal(t, []int{1, 2}, FlaggedWindows(abnormal, ident.ModeModelBased))
	assert.Empty(t, FlaggedWindows(nil, ""))
}

func TestBuildSummaryWithoutContributors(t *testing.T) {
	d, corpus := detectedCorpus(t)
	abnormal := map[detector.Component][]int{detector.ModelFree: {2}, detector.ModelBased: {1}}

	// identification did not run: every flow of every abnormal window
	s, err := BuildSummary(context.Background(), &Run{ID: "run-3", Detector: d, Source: corpus, Abnormal: abnormal})
	require.NoError(t, err)
	assert.Nil(t, s.Identification)
	assert.Equal(t, []int{5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, s.AbnormalFlows)

	// identification ran but found nothing: the mode's windows only
	s, err = BuildSummary(context.Background(), &Run{
		ID: "run-4", Detector: d, Source: corpus, Abnormal: abnormal, Mode: ident.ModeModelFree,
	})
	require.NoError(t, err)
	require.NotNil(t, s.Identification)
	assert.Empty(t, s.Identification.Flows)
	assert.Equal(t, []int{10, 11, 12, 13, 14}, s.AbnormalFlows)
}

func TestContributingFlows(t *testing.T) {
	d, corpus := detectedCorpus(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		abnormal     []int
		mode         ident.Mode
		contributors []ident.Contributor
		want         []int
	}{
		{
			name:         "mf high state",
			abnormal:     []int{2},
			mode:         ident.ModeModelFree,
			contributors: []ident.Contributor{{State: 1}},
			want:         []int{10, 11, 12, 13, 14},
		},
		{
			name:         "mf low state in mixed window",
			abnormal:     []int{0},
			mode:         ident.ModeModelFree,
			contributors: []ident.Contributor{{State: 0}},
			want:         []int{0, 2, 4},
		},
		{
			name:         "mb high to high",
			abnormal:     []int{2},
			mode:         ident.ModeModelBased,
			contributors: []ident.Contributor{{State: 1, Next: 1, Transition: true}},
			want:         []int{10, 11, 12, 13, 14},
		},
		{
			name:         "mb transition absent from window",
			abnormal:     []int{2},
			mode:         ident.ModeModelBased,
			contributors: []ident.Contributor{{State: 0, Next: 1, Transition: true}},
			want:         []int{},
		},
		{
			name:     "no contributors",
			abnormal: []int{2},
			mode:     ident.ModeModelFree,
			want:     []int{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ContributingFlows(ctx, d, corpus, tt.abnormal, tt.mode, tt.contributors)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExportAll(t *testing.T) {
	d, corpus := detectedCorpus(t)
	dir := t.TempDir()

	exp, err := NewExporter(dir, FormatAll, nil)
	require.NoError(t, err)

	run := &Run{
		ID:           "run-1",
		Corpus:       "lab",
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Detector:     d,
		Source:       corpus,
		Abnormal:     map[detector.Component][]int{detector.ModelFree: {2}, detector.ModelBased: {2}},
		Mode:         ident.ModeModelFree,
		Contributors: []ident.Contributor{{State: 1, Score: 0.5}},
	}
	written, err := exp.Export(context.Background(), run)
	require.NoError(t, err)

	runDir := filepath.Join(dir, "run-1")
	assert.ElementsMatch(t, []string{
		filepath.Join(runDir, "mf-abnormal-flows.txt"),
		filepath.Join(runDir, "mb-abnormal-flows.txt"),
		filepath.Join(runDir, "series.dat"),
		filepath.Join(runDir, "summary.yaml"),
	}, written)

	data, err := os.ReadFile(filepath.Join(runDir, "summary.yaml"))
	require.NoError(t, err)
	var summary Summary
	require.NoError(t, yaml.Unmarshal(data, &summary))
	assert.Equal(t, "run-1", summary.ID)
	assert.Equal(t, "lab", summary.Corpus)
	assert.Equal(t, detector.StrategyCombined, summary.Detector)
	assert.Len(t, summary.Records, 3)
	assert.Equal(t, []int{2}, summary.Abnormal["mf"])
	require.NotNil(t, summary.Identification)
	assert.Equal(t, "mf", summary.Identification.Mode)
	assert.Equal(t, []int{10, 11, 12, 13, 14}, summary.Identification.Flows)
	assert.Empty(t, summary.AbnormalFlows)
}

func TestExportTextOnly(t *testing.T) {
	d, corpus := detectedCorpus(t)
	dir := t.TempDir()

	exp, err := NewExporter(dir, FormatText, nil)
	require.NoError(t, err)
	written, err := exp.Export(context.Background(), &Run{
		ID:       "run-2",
		Detector: d,
		Source:   corpus,
		Abnormal: map[detector.Component][]int{detector.ModelFree: {2}},
	})
	require.NoError(t, err)
	assert.Len(t, written, 3)
	assert.NoFileExists(t, filepath.Join(dir, "run-2", "summary.yaml"))
}

func TestNewExporterUnknownFormat(t *testing.T) {
	_, err := NewExporter(t.TempDir(), "pdf", nil)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

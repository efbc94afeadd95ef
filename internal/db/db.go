package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
)

// ErrNotFound is returned when a corpus or run does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for corpora and detection runs.
type Store interface {
	CorpusStore
	RunStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Corpus store ─────────────────────────────────────────────────────────────

// CorpusRecord describes a stored flow corpus.
type CorpusRecord struct {
	Name         string    `json:"name"`
	FeatureNames []string  `json:"feature_names"`
	NumFlows     int       `json:"num_flows"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CorpusStore persists already-extracted flow features.
type CorpusStore interface {
	// SaveCorpus writes (or replaces) a corpus and all of its flows.
	SaveCorpus(ctx context.Context, name string, featureNames []string, flows []flow.Record) error

	// LoadCorpus reads a corpus with its flows ordered by sequence number.
	LoadCorpus(ctx context.Context, name string) (*CorpusRecord, []flow.Record, error)

	// ListCorpora returns every stored corpus, newest first.
	ListCorpora(ctx context.Context) ([]*CorpusRecord, error)
}

// ─── Run store ────────────────────────────────────────────────────────────────

// RunRecord is a persisted detection run.
type RunRecord struct {
	ID        string    `json:"id"`
	Corpus    string    `json:"corpus"`
	Detector  string    `json:"detector"`
	Config    string    `json:"config"` // JSON blob of the detector config
	CreatedAt time.Time `json:"created_at"`

	Windows      []WindowRecord      `json:"windows,omitempty"`
	Abnormal     []AbnormalRecord    `json:"abnormal,omitempty"`
	Contributors []ContributorRecord `json:"contributors,omitempty"`
}

// WindowRecord is one scored window of a run.
type WindowRecord struct {
	Index       int     `json:"index"`
	Window      int     `json:"window"`
	WindowStart float64 `json:"window_start"`
	ModelFree   float64 `json:"mf"`
	ModelBased  float64 `json:"mb"`
	Threshold   float64 `json:"threshold"`
}

// AbnormalRecord marks a record index as abnormal for one score component.
type AbnormalRecord struct {
	Component string `json:"component"`
	Index     int    `json:"index"`
}

// ContributorRecord is one identified state or transition of a run.
type ContributorRecord struct {
	Mode       string  `json:"mode"`
	Rank       int     `json:"rank"`
	State      int     `json:"state"`
	Next       int     `json:"next"`
	Transition bool    `json:"transition"`
	Score      float64 `json:"score"`
}

// RunStore persists detection runs.
type RunStore interface {
	// SaveRun writes (or replaces) a run with its windows, abnormal set and contributors.
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun reads a run with all of its children.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns run headers, newest first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
}

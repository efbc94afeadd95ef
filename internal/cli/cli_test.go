package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kubilitics/kubilitics-flowguard/internal/db"
)

// writeFixtures writes a config and a CSV with ten alternating flows followed
// by five flows stuck in the high state, and returns the config path and the
// database path.
func writeFixtures(t *testing.T) (string, string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "flowguard.db")

	cfg := fmt.Sprintf(`detector:
  type: mfmb
  win_type: flow
  win_size: 5
  interval: 5
  normal_rg: [0, 10]
  fea_option:
    flow_size: 2
selection:
  ab_win_num: 1
ident:
  ab_states_num: 1
database:
  sqlite_path: %s
report:
  dir: %s
logging:
  level: error
`, dbPath, filepath.Join(dir, "report"))
	cfgPath := filepath.Join(dir, "flowguard.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	var csv strings.Builder
	csv.WriteString("seq,ts,flow_size,duration\n")
	for i := 0; i < 15; i++ {
		size := 0
		if i%2 == 1 || i >= 10 {
			size = 10
		}
		fmt.Fprintf(&csv, "%d,%d,%d,1\n", i, i, size)
	}
	csvPath := filepath.Join(dir, "flows.csv")
	if err := os.WriteFile(csvPath, []byte(csv.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dbPath, csvPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	root := NewRootCommandWithIO(strings.NewReader(""), out, errOut)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestImportDetectAndInspect(t *testing.T) {
	cfgPath, dbPath, csvPath := writeFixtures(t)

	out, err := execute(t, "--config", cfgPath, "import", "--corpus", "lab", "--csv", csvPath)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out, `imported 15 flows into corpus "lab"`) {
		t.Fatalf("unexpected import output: %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "corpora")
	if err != nil {
		t.Fatalf("corpora failed: %v", err)
	}
	if !strings.Contains(out, "lab") || !strings.Contains(out, "flow_size,duration") {
		t.Fatalf("unexpected corpora output: %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "detect", "--corpus", "lab")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	for _, want := range []string{"3 windows", "abnormal mf: [2]", "abnormal mb: [2]", "contributors mf: [1 (0.693147", "contributing flows: 5"} {
		if !strings.Contains(out, want) {
			t.Fatalf("detect output missing %q:\n%s", want, out)
		}
	}

	store, err := db.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := store.ListRuns(context.Background(), 0)
	store.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 stored run, got %d", len(runs))
	}
	id := runs[0].ID

	out, err = execute(t, "--config", cfgPath, "runs", "list")
	if err != nil {
		t.Fatalf("runs list failed: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Fatalf("runs list missing %s:\n%s", id, out)
	}

	out, err = execute(t, "--config", cfgPath, "runs", "show", id)
	if err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	if !strings.Contains(out, "[mb mf]") || !strings.Contains(out, "RANK") {
		t.Fatalf("unexpected runs show output:\n%s", out)
	}

	out, err = execute(t, "--config", cfgPath, "-o", "yaml", "runs", "show", id)
	if err != nil {
		t.Fatalf("runs show -o yaml failed: %v", err)
	}
	if !strings.Contains(out, "id: "+id) {
		t.Fatalf("unexpected yaml output:\n%s", out)
	}
}

func TestDetectUnknownCorpus(t *testing.T) {
	cfgPath, _, _ := writeFixtures(t)
	_, err := execute(t, "--config", cfgPath, "detect", "--corpus", "missing")
	if err == nil || !strings.Contains(err.Error(), "flowguard import") {
		t.Fatalf("expected a not-found hint, got %v", err)
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfgPath, _, _ := writeFixtures(t)
	t.Setenv("FLOWGUARD_DETECTOR_TYPE", "nope")
	_, err := execute(t, "--config", cfgPath, "corpora")
	if err == nil || !strings.Contains(err.Error(), "detector.type") {
		t.Fatalf("expected a detector.type validation error, got %v", err)
	}
}

func TestUnsupportedOutput(t *testing.T) {
	cfgPath, _, _ := writeFixtures(t)
	if _, err := execute(t, "--config", cfgPath, "-o", "xml", "corpora"); err == nil {
		t.Fatal("expected -o xml to fail")
	}
}

func TestReadFlowsCSV(t *testing.T) {
	in := "seq,ts,Flow_Size\n0,2.5,10\n1,1.0,20\n"
	names, flows, err := readFlowsCSV(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "flow_size" {
		t.Fatalf("unexpected names %v", names)
	}
	if len(flows) != 2 || flows[0].Timestamp != 1.0 || flows[0].Seq != 0 || flows[0].Features[0] != 20 {
		t.Fatalf("rows not ordered by timestamp: %+v", flows)
	}

	bad := []string{
		"",
		"ts,seq,a\n",
		"seq,ts\n",
		"seq,ts,a\n0,1,x\n",
		"seq,ts,a\n0,1\n",
	}
	for _, in := range bad {
		if _, _, err := readFlowsCSV(strings.NewReader(in)); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestSetupOpensLiveStore(t *testing.T) {
	cfgPath, dbPath, _ := writeFixtures(t)
	a := &app{configPath: cfgPath, stderr: &bytes.Buffer{}}
	cfg, _, store, cleanup, err := a.setup(context.Background())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.Database.SQLitePath != dbPath {
		t.Fatalf("sqlite path = %q, want %q", cfg.Database.SQLitePath, dbPath)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	cleanup()
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected cleanup to close the store")
	}
}

package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-flowguard/internal/flow"
)

func newImportCmd(a *app) *cobra.Command {
	var corpus, csvPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import already-extracted flow features into a corpus",
		Long: `Import reads a CSV file whose header is seq,ts followed by one column per
feature, and stores it as a named corpus. Rows are ordered by timestamp;
sequence numbers are reassigned from the row order. An existing corpus with
the same name is replaced.`,
		Example: `  flowguard import --corpus lab --csv flows.csv`,
		Args:    cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			_, logger, store, cleanup, err := a.setup(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			f, err := os.Open(csvPath)
			if err != nil {
				return err
			}
			defer f.Close()

			names, flows, err := readFlowsCSV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", csvPath, err)
			}
			if err := store.SaveCorpus(c.Context(), corpus, names, flows); err != nil {
				return err
			}
			logger.Info("corpus imported", zap.String("corpus", corpus), zap.Int("flows", len(flows)), zap.Strings("features", names))
			fmt.Fprintf(a.stdout, "imported %d flows into corpus %q\n", len(flows), corpus)
			return nil
		},
	}
	cmd.Flags().StringVar(&corpus, "corpus", "", "corpus name")
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file with a seq,ts,feature... header")
	_ = cmd.MarkFlagRequired("corpus")
	_ = cmd.MarkFlagRequired("csv")
	return cmd
}

// readFlowsCSV parses a seq,ts,feature... table into flow records ordered by timestamp.
func readFlowsCSV(r io.Reader) ([]string, []flow.Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("empty file")
	}
	if err != nil {
		return nil, nil, err
	}
	if len(header) < 3 || strings.TrimSpace(header[0]) != "seq" || strings.TrimSpace(header[1]) != "ts" {
		return nil, nil, fmt.Errorf("header must be seq,ts,feature...; got %s", strings.Join(header, ","))
	}
	names := make([]string, len(header)-2)
	for i, h := range header[2:] {
		names[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var flows []flow.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		values := make([]float64, len(row))
		for i, field := range row {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("line %d column %s: %w", line, header[i], err)
			}
			values[i] = v
		}
		flows = append(flows, flow.Record{Seq: int(values[0]), Timestamp: values[1], Features: values[2:]})
	}

	sort.SliceStable(flows, func(i, j int) bool { return flows[i].Timestamp < flows[j].Timestamp })
	for i := range flows {
		flows[i].Seq = i
	}
	return names, flows, nil
}

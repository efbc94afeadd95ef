package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-flowguard/internal/detector"
	"github.com/kubilitics/kubilitics-flowguard/internal/pipeline"
)

func newDetectCmd(a *app) *cobra.Command {
	var corpus string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run the configured detector over a corpus",
		Long: `Detect scans the corpus with the configured detector, selects the abnormal
windows, identifies the contributing states or transitions, writes the
reports and stores the run.`,
		Example: `  flowguard detect --corpus lab
  FLOWGUARD_DETECTOR_TYPE=mf flowguard detect --corpus lab -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, logger, store, cleanup, err := a.setup(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			runner, err := pipeline.NewRunner(cfg, store, logger)
			if err != nil {
				return err
			}
			res, err := runner.Run(c.Context(), corpus)
			if pipeline.IsNotFound(err) {
				return fmt.Errorf("%w (import it first with 'flowguard import')", err)
			}
			if err != nil {
				return err
			}
			return a.printResult(res)
		},
	}
	cmd.Flags().StringVar(&corpus, "corpus", "", "corpus name")
	_ = cmd.MarkFlagRequired("corpus")
	return cmd
}

type resultView struct {
	RunID        string            `yaml:"run_id"`
	Corpus       string            `yaml:"corpus"`
	Detector     string            `yaml:"detector"`
	Records      []detector.Record `yaml:"records"`
	Abnormal     map[string][]int  `yaml:"abnormal"`
	Mode         string            `yaml:"mode,omitempty"`
	Contributors []string          `yaml:"contributors,omitempty"`
	Flows        int               `yaml:"flows"`
	Reports      []string          `yaml:"reports,omitempty"`
}

func (a *app) printResult(res *pipeline.Result) error {
	view := resultView{
		RunID:    res.RunID,
		Corpus:   res.Corpus,
		Detector: res.Detector,
		Records:  res.Records,
		Abnormal: make(map[string][]int, len(res.Abnormal)),
		Mode:     string(res.Mode),
		Flows:    len(res.Flows),
		Reports:  res.Reports,
	}
	for c, idx := range res.Abnormal {
		view.Abnormal[string(c)] = idx
	}
	for _, c := range res.Contributors {
		view.Contributors = append(view.Contributors, fmt.Sprintf("%s (%g)", c, c.Score))
	}
	if a.output == outputYAML {
		return writeYAML(a.stdout, view)
	}

	fmt.Fprintf(a.stdout, "run %s\n", res.RunID)
	fmt.Fprintf(a.stdout, "corpus %s, detector %s, %d windows\n", res.Corpus, res.Detector, len(res.Records))
	for _, c := range []detector.Component{detector.ModelFree, detector.ModelBased} {
		if idx, ok := res.Abnormal[c]; ok {
			fmt.Fprintf(a.stdout, "abnormal %s: %s\n", c, ints(idx))
		}
	}
	if res.Mode != "" {
		fmt.Fprintf(a.stdout, "contributors %s: %v\n", res.Mode, view.Contributors)
		fmt.Fprintf(a.stdout, "contributing flows: %d\n", len(res.Flows))
	}
	for _, p := range res.Reports {
		fmt.Fprintf(a.stdout, "report %s\n", p)
	}
	return nil
}

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newCorporaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "corpora",
		Short: "List stored corpora",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			_, _, store, cleanup, err := a.setup(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			corpora, err := store.ListCorpora(c.Context())
			if err != nil {
				return err
			}
			if a.output == outputYAML {
				return writeYAML(a.stdout, corpora)
			}
			w := newTabWriter(a.stdout)
			fmt.Fprintln(w, "NAME\tFLOWS\tFEATURES\tUPDATED")
			for _, cr := range corpora {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", cr.Name, cr.NumFlows, strings.Join(cr.FeatureNames, ","), cr.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

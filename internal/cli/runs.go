package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-flowguard/internal/db"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored detection runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			_, _, store, cleanup, err := a.setup(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := store.ListRuns(c.Context(), limit)
			if err != nil {
				return err
			}
			if a.output == outputYAML {
				return writeYAML(a.stdout, runs)
			}
			w := newTabWriter(a.stdout)
			fmt.Fprintln(w, "ID\tCORPUS\tDETECTOR\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Corpus, r.Detector, r.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of runs; 0 lists all")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show one run with its windows, abnormal windows and contributors",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			_, _, store, cleanup, err := a.setup(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := store.GetRun(c.Context(), args[0])
			if err != nil {
				return err
			}
			if a.output == outputYAML {
				return writeYAML(a.stdout, run)
			}
			return a.printRun(run)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func (a *app) printRun(run *db.RunRecord) error {
	fmt.Fprintf(a.stdout, "run %s\ncorpus %s, detector %s, created %s\nconfig %s\n\n",
		run.ID, run.Corpus, run.Detector, run.CreatedAt.Format(time.RFC3339), run.Config)

	abnormal := make(map[int][]string)
	for _, ab := range run.Abnormal {
		abnormal[ab.Index] = append(abnormal[ab.Index], ab.Component)
	}

	w := newTabWriter(a.stdout)
	fmt.Fprintln(w, "INDEX\tWINDOW\tSTART\tMF\tMB\tTHRESHOLD\tABNORMAL")
	for _, win := range run.Windows {
		flags := "-"
		if comps, ok := abnormal[win.Index]; ok {
			flags = fmt.Sprint(comps)
		}
		fmt.Fprintf(w, "%d\t%d\t%g\t%g\t%g\t%g\t%s\n",
			win.Index, win.Window, win.WindowStart, win.ModelFree, win.ModelBased, win.Threshold, flags)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(run.Contributors) == 0 {
		return nil
	}
	fmt.Fprintln(a.stdout)
	w = newTabWriter(a.stdout)
	fmt.Fprintln(w, "RANK\tMODE\tITEM\tSCORE")
	for _, c := range run.Contributors {
		item := fmt.Sprint(c.State)
		if c.Transition {
			item = fmt.Sprintf("%d->%d", c.State, c.Next)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%g\n", c.Rank, c.Mode, item, c.Score)
	}
	return w.Flush()
}

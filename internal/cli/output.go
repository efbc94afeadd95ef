package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputYAML  = "yaml"
)

func newTabWriter(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func writeYAML(out io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func ints(idx []int) string {
	if len(idx) == 0 {
		return "-"
	}
	return fmt.Sprint(idx)
}

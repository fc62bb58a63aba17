package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"example.com/healthsync/internal/domain"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes rows as aligned columns under header.
func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writeRow := func(cells []string) {
		for i, c := range cells {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, c)
		}
		fmt.Fprintln(tw)
	}
	writeRow(header)
	for _, r := range rows {
		writeRow(r)
	}
	return tw.Flush()
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func outcomeRows(outcomes []domain.SyncOutcome) [][]string {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		detail := o.ErrorDetail
		if detail == "" {
			detail = "-"
		}
		rows = append(rows, []string{
			string(o.Provider),
			string(o.Status),
			fmt.Sprint(o.RecordsIngested),
			fmt.Sprint(o.RecordsUpdated),
			fmt.Sprint(o.RecordsDropped),
			detail,
		})
	}
	return rows
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// statsCmd summarizes the survey database
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the survey database",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
}

func runStats(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := validateFormat(format); err != nil {
		return err
	}

	st, err := openReadOnly(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		m := orderedmap.New[string, any]()
		m.Set("database", st.Path())
		m.Set("devices", stats.Devices)
		m.Set("identified", stats.Identified)
		m.Set("unidentified", stats.Devices-stats.Identified)
		m.Set("attempts", stats.Attempts)
		m.Set("samples", stats.Samples)
		m.Set("services", stats.Services)
		return writeJSON(out, m)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Database:\t%s\n", st.Path())
	fmt.Fprintf(w, "Devices:\t%d\n", stats.Devices)
	fmt.Fprintf(w, "Identified:\t%d\n", stats.Identified)
	fmt.Fprintf(w, "Unidentified:\t%d\n", stats.Devices-stats.Identified)
	fmt.Fprintf(w, "Connect attempts:\t%d\n", stats.Attempts)
	fmt.Fprintf(w, "Signal samples:\t%d\n", stats.Samples)
	fmt.Fprintf(w, "Known services:\t%d\n", stats.Services)
	return w.Flush()
}

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Talon396/owlOS/mem/vm/boot"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "boot",
		Short: "Boot the machine and print the import report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := bootSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			printReport(cmd.OutOrStdout(), s.platform.Report)

			return nil
		},
	})
}

func printReport(w io.Writer, r *boot.Report) {
	fmt.Fprintf(w, "usable regions:   %d", len(r.Regions))
	if r.Dropped > 0 {
		fmt.Fprintf(w, " (%d dropped)", r.Dropped)
	}
	fmt.Fprintln(w)

	for _, region := range r.Regions {
		fmt.Fprintf(w, "  [0x%016x-0x%016x]\n", region.Base, region.End())
	}

	fmt.Fprintf(w, "hardened entries: %d\n", r.Hardened)
	fmt.Fprintf(w, "memory:           %d KiB used of %d KiB\n", r.Used>>10, r.Total>>10)
	fmt.Fprintf(w, "canonical space:  %s\n", r.Canonical)
}

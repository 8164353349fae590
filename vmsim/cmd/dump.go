package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Talon396/owlOS/mem/vm"
)

var (
	dumpFirst   int
	dumpLast    int
	dumpProcess bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the mappings of an address space",
		Long: `dump prints the mappings under a range of root slots. By default it dumps
the canonical space; --process dumps a demo process with four stack pages.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := bootSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			as := s.kernel().Canonical()

			if dumpProcess {
				as, err = newProcess(s, 4)
				if err != nil {
					return err
				}
				defer as.Release()
			}

			return dump(cmd, as)
		},
	}

	cmd.Flags().IntVar(&dumpFirst, "first", 0, "First root slot")
	cmd.Flags().IntVar(&dumpLast, "last", vm.EntriesPerNode-1, "Last root slot")
	cmd.Flags().BoolVar(&dumpProcess, "process", false, "Dump a demo process")
	rootCmd.AddCommand(cmd)
}

func dump(cmd *cobra.Command, as *vm.AddressSpace) error {
	if dumpFirst < 0 || dumpLast >= vm.EntriesPerNode || dumpFirst > dumpLast {
		return fmt.Errorf("invalid slot range %d-%d", dumpFirst, dumpLast)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "%s\n", as)
	fmt.Fprintln(w, "VADDR\tPADDR\tSIZE\tFLAGS")

	for slot := dumpFirst; slot <= dumpLast; slot++ {
		if link := as.Link(slot); link.Kind == vm.LinkAliased {
			fmt.Fprintf(w, "# slot %d aliased from %s\n", slot, link.Source)
		}

		as.VisitMappings(slot, slot, func(m vm.Mapping) bool {
			fmt.Fprintf(w, "0x%016x\t0x%012x\t%s\t%s\n",
				m.VAddr, m.Entry.Address(), sizeString(m.Size), m.Entry.Flags())

			return true
		})
	}

	return w.Flush()
}

func sizeString(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%dG", n>>30)
	case n >= 1<<20:
		return fmt.Sprintf("%dM", n>>20)
	default:
		return fmt.Sprintf("%dK", n>>10)
	}
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var threadPages int

func init() {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Create a thread and check that it shares the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := bootSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			return runThread(cmd, s)
		},
	}

	cmd.Flags().IntVarP(&threadPages, "pages", "p", 4, "Stack pages of the process")
	rootCmd.AddCommand(cmd)
}

func runThread(cmd *cobra.Command, s *session) error {
	out := cmd.OutOrStdout()

	process, err := newProcess(s, threadPages)
	if err != nil {
		return err
	}
	defer process.Release()

	before := s.platform.Frames.InUse()

	thread, err := process.Clone(true)
	if err != nil {
		return err
	}

	if err := writeStack(s, thread, "thread"); err != nil {
		thread.Release()
		return err
	}

	if err := checkStack(s, process, "thread"); err != nil {
		thread.Release()
		return err
	}

	thread.Release()

	if err := checkStack(s, process, "thread"); err != nil {
		return err
	}

	fmt.Fprintf(out, "thread of %s shared %d pages; frames in use %d KiB (before: %d KiB)\n",
		process.ID(), threadPages, s.platform.Frames.InUse()>>10, before>>10)

	return nil
}

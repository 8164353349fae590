package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Talon396/owlOS/mem/vm"
)

var (
	forkCount int
	forkPages int
)

// StackBase is where vmsim places the stack pages of its demo process.
const StackBase = uint64(0x7f80_0000_0000)

func init() {
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Fork a process with a populated stack and check the copies",
		Long: `fork creates a process, maps and fills its stack pages, forks it the
requested number of times and checks that every child holds a private copy.
The children are destroyed afterwards and the frames in use must return to
their value before the first fork.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := bootSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			return runFork(cmd, s)
		},
	}

	cmd.Flags().IntVarP(&forkCount, "count", "n", 1, "Number of forks")
	cmd.Flags().IntVarP(&forkPages, "pages", "p", 4, "Stack pages of the process")
	rootCmd.AddCommand(cmd)
}

func runFork(cmd *cobra.Command, s *session) error {
	out := cmd.OutOrStdout()
	canonical := s.kernel().Canonical()

	process, err := newProcess(s, forkPages)
	if err != nil {
		return err
	}
	defer process.Release()

	before := s.platform.Frames.InUse()

	children := make([]*vm.AddressSpace, 0, forkCount)
	defer func() {
		canonical.Switch()

		for _, child := range children {
			child.Release()
		}

		fmt.Fprintf(out, "frames in use after teardown: %d KiB (before: %d KiB)\n",
			s.platform.Frames.InUse()>>10, before>>10)
	}()

	for i := 0; i < forkCount; i++ {
		child, err := process.Clone(false)
		if err != nil {
			return err
		}

		children = append(children, child)

		if err := writeStack(s, child, fmt.Sprintf("child %d", i)); err != nil {
			return err
		}
	}

	if err := checkStack(s, process, "parent"); err != nil {
		return err
	}

	for i, child := range children {
		if err := checkStack(s, child, fmt.Sprintf("child %d", i)); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "%d forks of %s, %d pages each, all private\n",
		forkCount, process.ID(), forkPages)

	return nil
}

// newProcess forks the canonical space and maps pages stack pages into it,
// each starting with "parent".
func newProcess(s *session, pages int) (*vm.AddressSpace, error) {
	process, err := s.kernel().Canonical().Clone(false)
	if err != nil {
		return nil, err
	}

	for i := 0; i < pages; i++ {
		frame, ok := s.platform.Frames.Allocate(vm.PageSize)
		if !ok {
			process.Release()
			return nil, vm.ErrExhausted
		}

		if _, err := process.Map(StackBase+uint64(i)*vm.PageSize, frame); err != nil {
			s.platform.Frames.Free(frame, vm.PageSize)
			process.Release()

			return nil, err
		}
	}

	if err := writeStack(s, process, "parent"); err != nil {
		process.Release()
		return nil, err
	}

	return process, nil
}

// writeStack writes tag at the start of every stack page of as.
func writeStack(s *session, as *vm.AddressSpace, tag string) error {
	as.Switch()
	defer s.kernel().Canonical().Switch()

	for _, m := range as.Mappings(vm.StackSlot, vm.StackSlot) {
		if err := s.platform.Core.Write(m.VAddr, []byte(tag)); err != nil {
			return err
		}
	}

	return nil
}

func checkStack(s *session, as *vm.AddressSpace, tag string) error {
	as.Switch()
	defer s.kernel().Canonical().Switch()

	for _, m := range as.Mappings(vm.StackSlot, vm.StackSlot) {
		data, err := s.platform.Core.Read(m.VAddr, uint64(len(tag)))
		if err != nil {
			return err
		}

		if string(data) != tag {
			return fmt.Errorf("%s: page 0x%x holds %q, want %q", as.ID(), m.VAddr, data, tag)
		}
	}

	return nil
}

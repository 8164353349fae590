// Package cmd holds the vmsim commands.
package cmd

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/Talon396/owlOS/datarecording"
	"github.com/Talon396/owlOS/mem/vm"
	"github.com/Talon396/owlOS/sim/firmware"
	"github.com/Talon396/owlOS/sim/platform"
)

var (
	envFile   string
	physFlag  string
	memmap    string
	backing   string
	record    string
	tracePath string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "vmsim",
	Short: "Run the owlOS virtual-memory manager on a simulated machine",
	Long: `vmsim builds a simulated x86-64 machine, lets its firmware build the
bootloader page tables, imports them into the virtual-memory manager and then
runs address-space operations against it.

Machine settings come from a .env file, then the environment, then flags.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env", ".env", "File with OWL_* settings")
	flags.StringVar(&physFlag, "phys", "", "Amount of RAM, e.g. 64M")
	flags.StringVar(&memmap, "memmap", "", "YAML memory map")
	flags.StringVar(&backing, "backing", "", "Host memory backing: sparse or mmap")
	flags.StringVar(&record, "record", "", "Record operations into this SQLite database")
	flags.StringVar(&tracePath, "trace", "", "Write an operation trace, - for stdout")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Print kernel log lines")
}

// Execute runs the command line and returns the exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	return 0
}

// config merges the .env file, the environment and the flags.
func config(cmd *cobra.Command) (Config, error) {
	env, err := loadEnv(envFile)
	if err != nil {
		return Config{}, err
	}

	flagEnv := map[string]*string{
		"phys":    &physFlag,
		"memmap":  &memmap,
		"backing": &backing,
		"record":  &record,
	}
	keys := map[string]string{
		"phys":    EnvPhysBytes,
		"memmap":  EnvMemoryMap,
		"backing": EnvBacking,
		"record":  EnvRecord,
	}

	for name, value := range flagEnv {
		if cmd.Flags().Changed(name) {
			env[keys[name]] = *value
		}
	}

	return parseConfig(env)
}

// A session is one booted machine with its outputs.
type session struct {
	config   Config
	platform *platform.Platform
	recorder datarecording.DataRecorder
	trace    io.WriteCloser
}

func (s *session) kernel() *vm.Kernel {
	return s.platform.Kernel
}

func (s *session) close() {
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	if s.trace != nil && s.trace != os.Stdout {
		s.trace.Close()
	}

	if err := s.platform.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func bootSession(cmd *cobra.Command) (*session, error) {
	c, err := config(cmd)
	if err != nil {
		return nil, err
	}

	s := &session{config: c}

	b := platform.MakeBuilder().
		WithPhysBytes(c.PhysBytes).
		WithBacking(c.Backing)

	if verbose {
		b = b.WithLogger(log.New(os.Stderr, "vm: ", 0))
	}

	if c.MemoryMap != "" {
		mmap, err := firmware.LoadMemoryMap(c.MemoryMap)
		if err != nil {
			return nil, err
		}

		b = b.WithMemoryMap(mmap)
	}

	if c.Record != "" {
		s.recorder = datarecording.New(c.Record)
		b = b.WithHook(vm.NewOpRecorder(s.recorder))
	}

	switch tracePath {
	case "":
	case "-":
		s.trace = os.Stdout
	default:
		s.trace, err = os.Create(tracePath)
		if err != nil {
			return nil, err
		}
	}

	if s.trace != nil {
		b = b.WithHook(vm.NewOpTracer(s.trace))
	}

	s.platform, err = b.Build()
	if err != nil {
		if s.recorder != nil {
			s.recorder.Close()
		}

		if s.trace != nil && s.trace != os.Stdout {
			s.trace.Close()
		}

		return nil, err
	}

	return s, nil
}

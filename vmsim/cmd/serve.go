package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/Talon396/owlOS/monitoring"
)

var (
	servePort  int
	serveOpen  bool
	serveForks int
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot the machine and serve the monitor until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := bootSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			return runServe(cmd, s)
		},
	}

	cmd.Flags().IntVar(&servePort, "port", 0, "Port of the monitor")
	cmd.Flags().BoolVar(&serveOpen, "open", false, "Open the monitor in a browser")
	cmd.Flags().IntVar(&serveForks, "forks", 0, "Forks of a demo process to keep alive")
	rootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, s *session) error {
	port := s.config.MonitorPort
	if cmd.Flags().Changed("port") {
		port = servePort
	}

	monitor := monitoring.NewMonitor().WithPortNumber(port)
	monitor.RegisterKernel(s.kernel())
	monitor.RegisterFrames(s.platform.Frames)

	actualPort := monitor.StartServer()

	if serveForks > 0 {
		process, err := newProcess(s, 4)
		if err != nil {
			return err
		}
		defer process.Release()

		bar := monitor.CreateProgressBar("forks", uint64(serveForks))

		for i := 0; i < serveForks; i++ {
			bar.Begin(1)

			child, err := process.Clone(false)
			if err != nil {
				return err
			}
			defer child.Release()

			bar.Finish(1)
		}

		monitor.CompleteProgressBar(bar)
	}

	url := fmt.Sprintf("http://localhost:%d/api/spaces", actualPort)
	if serveOpen {
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(os.Stderr, "cannot open browser: %s\n", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "serving %s, press Ctrl-C to stop\n", url)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	return nil
}

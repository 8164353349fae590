// Command vmsim boots the virtual-memory subsystem on a simulated machine and
// drives it from the command line.
package main

import (
	"github.com/tebeka/atexit"

	"github.com/Talon396/owlOS/vmsim/cmd"
)

func main() {
	atexit.Exit(cmd.Execute())
}

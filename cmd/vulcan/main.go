// Command vulcan is the command-line interface to Vulcan, a software-simulated x86_64-class
// kernel core.
package main

import (
	"context"
	"os"

	"github.com/vulcan-os/vulcan/internal/cli"
	"github.com/vulcan-os/vulcan/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
	cmd.Stat(),
	cmd.Diskutil(),
}

func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}

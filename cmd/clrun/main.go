package main

import (
	"fmt"
	"os"

	"github.com/xupit3r/clrun/cmd/clrun/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(commands.ExitCode(err))
	}
}

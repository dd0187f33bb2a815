package main

import (
	"fmt"
	"io"
	"os"

	"github.com/szabado/stash/cmd"
)

func main() {
	if err := runRoot(os.Args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func runRoot(args []string, output io.Writer) error {
	root := cmd.NewRootCmd()
	root.SetArgs(args[1:])
	root.SetOut(output)
	return root.Execute()
}

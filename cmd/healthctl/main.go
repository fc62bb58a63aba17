package main

import (
	"fmt"
	"os"

	"example.com/healthsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.DefaultEnv()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/iago/wa-lead-router/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "leadctl:", err)
		os.Exit(1)
	}
}

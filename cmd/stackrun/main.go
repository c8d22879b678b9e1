// Command stackrun executes a dependency graph of tasks and stacks their
// results as branches.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errPlanIncomplete) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

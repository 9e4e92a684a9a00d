// Package main is the llmc command: it sets up an instance, runs the daemon
// and the overseer, relays agent hook events and reports fleet status.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Package main is the entry point of the Castellan coordinator.
package main

import (
	"context"
	"fmt"
	"os"

	"castellan/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Command billctl is the operator CLI for billhub.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(defaultDeps()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billctl: %v\n", err)
		os.Exit(1)
	}
}

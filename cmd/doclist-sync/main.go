package main

import (
	"fmt"
	"os"
)

// Version is set at build time via -ldflags "-X main.Version=1.0.0".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"log"
	"os"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the rtls entry point. Each relay tier runs as a
// subcommand; see `rtls --help`.
package main

import (
	"os"

	"github.com/Spatial-NVR/SpatialRTLS/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/austindbirch/harbor_beacon/cmd/beaconctl/cmd"
)

func main() {
	// cobra has already printed the error
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

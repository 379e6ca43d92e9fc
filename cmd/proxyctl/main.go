package main

import (
	"os"

	"github.com/cuongbtq/stablehorde-proxy/cmd/proxyctl/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

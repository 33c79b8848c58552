package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/custody-core/pkg/app"
	"github.com/chainsafe/custody-core/pkg/app/worker"
	"github.com/chainsafe/custody-core/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var runner app.Runner = worker.NewServer(cfg)
	if err := runner.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "custody-worker: %v\n", err)
		os.Exit(1)
	}
}

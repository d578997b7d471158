package main

import (
	"flag"
	"log"

	approuters "Parley/internal/app_routers"
	"Parley/internal/configuration"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config (default $PARLEY_CONFIG or "+configuration.DefaultConfigPath+")")
	flag.Parse()

	container, err := configuration.BuildContainer(*configPath)
	if err != nil {
		log.Fatalf("Failed to build container: %v", err)
	}

	// Ensure cleanup on shutdown
	defer container.Close()

	approuters.StartServer(container)
}

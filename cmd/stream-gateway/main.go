// Package main is the entry point for the stream gateway.
package main

import (
	"log"
	"os"

	"stream-gateway-go/internal/app"
)

func main() {
	// Create and initialize application
	application, err := app.New()
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	// Run the server
	err = application.Run()
	application.Shutdown()
	if err != nil {
		log.Printf("server error: %v", err)
		os.Exit(1)
	}
}

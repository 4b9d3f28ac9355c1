package main

import (
	"context"
	"log"
	"os"
)

// configEnv names the config file; unset selects the default search path.
const configEnv = "DISPATCHER_CONFIG"

func main() {
	if err := run(context.Background(), os.Getenv(configEnv)); err != nil {
		log.Fatalf("dispatchd: %v", err)
	}
}

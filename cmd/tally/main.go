package main

import (
	"os"
)

func main() {
	initHelp(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		// Secrets from the loaded config are redacted before printing
		outputError(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/easwatch/easwatch/cmd"
	"github.com/easwatch/easwatch/internal/logging"
)

func main() {
	// Default loggers carry startup output until the configuration is
	// loaded and the file log takes over.
	logging.Init()

	rootCmd := cmd.RootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"errors"
	"os"

	"github.com/abcdlsj/dockgen/cmd"
	"github.com/abcdlsj/dockgen/internal/launcher"
	"github.com/charmbracelet/log"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exitErr *launcher.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		log.Error("Error executing command", "err", err)
		os.Exit(1)
	}
}

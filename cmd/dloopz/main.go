package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/dloopz/cmd/dloopz/cmd"
	"github.com/G-Research/dloopz/internal/common/logging"
)

func main() {
	logging.ConfigureCommandLineLogging()
	root := cmd.RootCmd()
	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

// ConfigureLogging sets up logrus for a long-running application: full timestamps on stdout and a hook that
// exports the number of log lines per level to prometheus. Must only be called once per process.
func ConfigureLogging(level string) error {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	if err := SetLevel(level); err != nil {
		return err
	}
	log.AddHook(promrus.MustNewPrometheusHook())
	return nil
}

// ConfigureCommandLineLogging sets up logrus for short-lived command line usage, printing bare messages.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&CommandLineFormatter{})
	log.SetOutput(os.Stdout)
}

// SetLevel parses level and applies it to the standard logger. An empty level leaves the logger at info.
func SetLevel(level string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(parsed)
	return nil
}

type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s\n", entry.Message)), nil
}

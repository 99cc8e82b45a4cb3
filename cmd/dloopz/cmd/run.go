package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	commonconfig "github.com/G-Research/dloopz/internal/common/config"
	"github.com/G-Research/dloopz/internal/common/logging"
	"github.com/G-Research/dloopz/internal/dloopz"
	"github.com/G-Research/dloopz/internal/dloopz/configuration"
)

func runCmd(app *dloopz.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured generators until they finish or a signal is received",
		RunE:  runCmdE(app),
	}
	return cmd
}

func runCmdE(app *dloopz.App) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := logging.ConfigureLogging(config.LogLevel); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			defer cancel()
			return app.StartUp(ctx, config)
		})

		// Cancel the errgroup context on SIGINT and SIGTERM,
		// which shuts everything down gracefully.
		stopSignal := make(chan os.Signal, 1)
		signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignal)
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case sig := <-stopSignal:
				log.Infof("Received signal %v, shutting down", sig)
				cancel()
			}
			return nil
		})
		return g.Wait()
	}
}

func loadConfig(cmd *cobra.Command) (*configuration.DloopzConfig, error) {
	overrides, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var config configuration.DloopzConfig
	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, overrides); err != nil {
		return nil, err
	}
	logLevel, err := cmd.Flags().GetString(logLevelFlag)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	return &config, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"replypilot/app"
	"replypilot/config"
	"replypilot/repository"
	"replypilot/utils"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "replypilot",
	Short: "Outbound email automation: sequences, warmup-aware sending, inbox replies",
	Long: `replypilot drafts multi-step outbound campaigns, launches them within each
mailbox's warmup allowance, dispatches follow-ups when they fall due and
answers inbound replies automatically.

Run "replypilot serve" to start the HTTP API together with the background workers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if verbose {
			config.AppConfig.Log.Level = "debug"
		}
		utils.InitLogger(config.AppConfig.Log, config.AppConfig.Environment)
		if err := utils.InitSentry(config.AppConfig.SentryDSN, config.AppConfig.Environment); err != nil {
			logrus.WithError(err).Warn("Sentry initialization failed")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		utils.FlushSentry()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd, launchCmd, followupsCmd, pollCmd, scoreCmd)
}

// bootstrap connects the database and wires every service. The returned
// context is cancelled on SIGINT or SIGTERM.
func bootstrap() (context.Context, *app.App, func(), error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := config.ConnectDB(); err != nil {
		stop()
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a, err := app.New(ctx, config.AppConfig, repository.NewGormStore(config.DB))
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, a, func() {
		a.Close()
		stop()
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

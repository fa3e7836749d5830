package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"replypilot/config"
	"replypilot/middleware"
	"replypilot/services/leadscore"
	"replypilot/utils"
	"replypilot/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the inbox poller and the follow-up worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, done, err := bootstrap()
		if err != nil {
			return err
		}
		defer done()
		logger := utils.Component("server")

		// Create Fiber app
		server := fiber.New(fiber.Config{DisableStartupMessage: true})
		server.Use(middleware.CORS(config.AppConfig.AllowedOrigins))
		a.Routes(server)

		// The in-memory queue forgets its tasks on restart
		if !a.Durable() {
			if err := a.Poller.Resume(ctx); err != nil {
				logger.WithError(err).Error("Failed to resume inbox polling")
			}
		}
		go func() {
			if err := a.Poller.Run(ctx); err != nil && ctx.Err() == nil {
				utils.LogError("inbox_poller_stopped", err, nil)
			}
		}()
		go worker.NewFollowUpWorker(a.Dispatcher, config.AppConfig.FollowUpInterval, utils.Component("followup_worker")).Start(ctx)

		go func() {
			<-ctx.Done()
			logger.Info("Shutting down server...")
			_ = server.Shutdown()
		}()

		logger.WithField("port", config.AppConfig.ServerPort).Info("Server starting")
		if err := server.Listen(":" + config.AppConfig.ServerPort); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	},
}

var launchCmd = &cobra.Command{
	Use:   "launch <campaignID>",
	Short: "Launch a draft campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, a, done, err := bootstrap()
		if err != nil {
			return err
		}
		defer done()

		result, err := a.Orchestrator.Launch(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var followupsCmd = &cobra.Command{
	Use:   "followups",
	Short: "Run one follow-up dispatcher pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, a, done, err := bootstrap()
		if err != nil {
			return err
		}
		defer done()

		result, err := a.Dispatcher.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll <senderID>",
	Short: "Run one inbox automation cycle for a sender",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, a, done, err := bootstrap()
		if err != nil {
			return err
		}
		defer done()

		result, err := a.Loop.RunCycle(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var scoreLead leadscore.Lead

var scoreCmd = &cobra.Command{
	Use:   "score <email>",
	Short: "Score a lead and store the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scoreLead.Email = args[0]
		if err := utils.ValidateStruct(scoreLead); err != nil {
			return err
		}
		ctx, a, done, err := bootstrap()
		if err != nil {
			return err
		}
		defer done()

		score := a.Scorer.Score(ctx, scoreLead)
		if score.Fallback {
			logrus.Warn("Completion unavailable, default score returned")
		}
		return printJSON(score)
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreLead.FirstName, "first-name", "", "Lead first name")
	scoreCmd.Flags().StringVar(&scoreLead.LastName, "last-name", "", "Lead last name")
	scoreCmd.Flags().StringVar(&scoreLead.Company, "company", "", "Company name")
	scoreCmd.Flags().StringVar(&scoreLead.Title, "title", "", "Job title")
	scoreCmd.Flags().StringVar(&scoreLead.Industry, "industry", "", "Industry")
	scoreCmd.Flags().StringVar(&scoreLead.Website, "website", "", "Company website")
	scoreCmd.Flags().StringVar(&scoreLead.Notes, "notes", "", "Free-form notes about the lead")
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

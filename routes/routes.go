package routes

import (
	controller "replypilot/controllers"
	"replypilot/metrics"
	"replypilot/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
)

// Controllers holds every handler the HTTP surface exposes.
type Controllers struct {
	Campaign  *controller.CampaignController
	Sender    *controller.SenderController
	Lead      *controller.LeadController
	Tracking  *controller.TrackingController
	FollowUp  *controller.FollowUpController
	Progress  *controller.ProgressHub
	RateLimit fiber.Handler
}

// Options controls the unauthenticated surfaces.
type Options struct {
	InternalToken string
}

func SetupAPIRoutes(app *fiber.App, ctrl Controllers) {
	rateLimit := ctrl.RateLimit
	if rateLimit == nil {
		rateLimit = func(c *fiber.Ctx) error { return c.Next() }
	}

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/generate", rateLimit, ctrl.Campaign.GenerateCampaign)
	campaign.Post("/:id/launch", ctrl.Campaign.LaunchCampaign)
	campaign.Post("/:id/prospects/import", ctrl.Lead.ImportProspects)
	campaign.Post("/:id/prospects/score", rateLimit, ctrl.Lead.ScoreCampaignProspects)
	campaign.Get("/:id/progress", controller.RequireUpgrade, websocket.New(ctrl.Progress.HandleCampaignProgressWS))

	// Sender automation routes
	sender := api.Group("/senders")
	sender.Post("/:id/automation/start", ctrl.Sender.StartAutomation)
	sender.Post("/:id/automation/stop", ctrl.Sender.StopAutomation)
	sender.Get("/:id/allowance", ctrl.Sender.GetAllowance)

	// Lead routes
	api.Post("/leads/score", rateLimit, ctrl.Lead.ScoreLeads)
}

func SetupRoutes(app *fiber.App, ctrl Controllers, opts Options) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// Open tracking is hit by mail clients without credentials
	app.Get("/track/open/:prospectID/:token", ctrl.Tracking.TrackEmailOpen)

	internal := app.Group("/internal", middleware.Internal(opts.InternalToken))
	internal.Post("/followups/run", ctrl.FollowUp.RunFollowUps)

	SetupAPIRoutes(app, ctrl)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}

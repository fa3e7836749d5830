// Package app wires configuration into the services shared by every
// command.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"replypilot/completion"
	"replypilot/config"
	controller "replypilot/controllers"
	"replypilot/events"
	"replypilot/lock"
	"replypilot/mailbox"
	"replypilot/middleware"
	"replypilot/repository"
	"replypilot/routes"
	"replypilot/services/followup"
	"replypilot/services/inbox"
	"replypilot/services/launch"
	"replypilot/services/leadscore"
	"replypilot/services/sequence"
	"replypilot/services/warmup"
	"replypilot/utils"
	"replypilot/worker"
)

// App holds the wired services. Fields are exported so commands can pick
// what they need.
type App struct {
	Config   config.Config
	Store    repository.Store
	Location *time.Location

	Completion   completion.Client
	Connector    mailbox.Connector
	Locker       lock.Locker
	Publisher    events.Publisher
	Redis        *redis.Client
	Queue        worker.Queue
	Progress     *controller.ProgressHub
	Tracker      *warmup.Tracker
	Generator    *sequence.Generator
	Orchestrator *launch.Orchestrator
	Dispatcher   *followup.Dispatcher
	Loop         *inbox.Loop
	Scorer       *leadscore.Scorer
	Poller       *worker.InboxPoller

	closers []func() error
}

// New builds every service from cfg on top of store. External services
// that are disabled in cfg are replaced by in-process equivalents.
func New(ctx context.Context, cfg config.Config, store repository.Store) (*App, error) {
	a := &App{Config: cfg, Store: store, Location: cfg.Location()}
	log := utils.Component("app")

	if cfg.Gemini.APIKey != "" {
		client, err := completion.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, utils.Component("completion"))
		if err != nil {
			return nil, err
		}
		a.Completion = client
	} else {
		log.Warn("GEMINI_API_KEY not set, every completion will use its fallback")
		a.Completion = completion.Unavailable{}
	}

	a.Connector = &mailbox.ProviderConnector{
		Google:       mailbox.OAuthApp{ClientID: cfg.Google.ClientID, ClientSecret: cfg.Google.ClientSecret, RedirectURI: cfg.Google.RedirectURI},
		Microsoft:    mailbox.OAuthApp{ClientID: cfg.Microsoft.ClientID, ClientSecret: cfg.Microsoft.ClientSecret, RedirectURI: cfg.Microsoft.RedirectURI},
		GraphBaseURL: cfg.GraphBaseURL,
		Timeout:      cfg.ProviderTimeout,
		Decrypt:      utils.Decrypt,
		Log:          utils.Component("mailbox"),
	}

	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Locker = lock.NewRedisLocker(a.Redis, utils.Component("lock"))
		a.closers = append(a.closers, a.Redis.Close)
	} else {
		a.Locker = lock.NewLocalLocker()
	}

	if cfg.Kafka.Enabled {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, utils.Component("events"))
		a.Publisher = publisher
		a.closers = append(a.closers, publisher.Close)
	} else {
		a.Publisher = events.NopPublisher{}
	}

	if cfg.RabbitMQ.Enabled {
		queue, err := worker.NewAMQPQueue(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, utils.Component("queue"))
		if err != nil {
			return nil, err
		}
		a.Queue = queue
	} else {
		a.Queue = worker.NewMemoryQueue(256)
	}
	a.closers = append(a.closers, a.Queue.Close)

	policy := warmup.DefaultPolicy()
	policy.OverrideDays = cfg.Warmup.OverrideDays
	policy.OverrideCap = cfg.Warmup.OverrideCap
	policy.WarmedUpDays = cfg.Warmup.WarmedUpDays
	policy.WarmingUpDays = cfg.Warmup.WarmingUpDays
	a.Tracker = warmup.NewTracker(store, policy, a.Location, time.Now, utils.Component("warmup"))

	personalizer := launch.Personalizer{
		TrackingBaseURL: cfg.Sending.TrackingBaseURL,
		TrackingSecret:  cfg.Sending.TrackingSecret,
	}
	a.Progress = controller.NewProgressHub(utils.Component("progress"))
	a.Generator = sequence.NewGenerator(a.Completion, cfg.CompletionTimeout, utils.Component("sequence"))
	a.Orchestrator = launch.NewOrchestrator(launch.Options{
		Store:        store,
		Connector:    a.Connector,
		Tracker:      a.Tracker,
		Locker:       a.Locker,
		Publisher:    a.Publisher,
		Progress:     a.Progress,
		Personalizer: personalizer,
		SendDelay:    cfg.Sending.Delay,
		Location:     a.Location,
		Log:          utils.Component("launch"),
	})
	a.Dispatcher = followup.NewDispatcher(followup.Options{
		Store:               store,
		Connector:           a.Connector,
		Tracker:             a.Tracker,
		Locker:              a.Locker,
		Publisher:           a.Publisher,
		Personalizer:        personalizer,
		SendDelay:           cfg.Sending.Delay,
		QueuedResponseDelay: cfg.Inbox.QueuedResponseDelay,
		Location:            a.Location,
		Log:                 utils.Component("followup"),
	})
	a.Loop = inbox.NewLoop(inbox.Options{
		Store:               store,
		Connector:           a.Connector,
		Classifier:          inbox.NewClassifier(a.Completion, cfg.CompletionTimeout, utils.Component("classifier")),
		Router:              inbox.NewRouter(a.Completion, cfg.CompletionTimeout, utils.Component("router")),
		Responder:           inbox.NewResponder(a.Completion, cfg.CompletionTimeout),
		Locker:              a.Locker,
		Publisher:           a.Publisher,
		PageSize:            cfg.Inbox.PageSize,
		QueuedResponseDelay: cfg.Inbox.QueuedResponseDelay,
		Location:            a.Location,
		Log:                 utils.Component("inbox"),
	})
	a.Scorer = leadscore.NewScorer(a.Completion, store, cfg.CompletionTimeout, utils.Component("leadscore"))
	a.Poller = worker.NewInboxPoller(a.Queue, a.Loop, store, cfg.Inbox.PollInterval, cfg.Inbox.ErrorInterval, utils.Component("poller"))

	return a, nil
}

// Durable reports whether poll tasks survive a restart.
func (a *App) Durable() bool {
	_, ok := a.Queue.(*worker.AMQPQueue)
	return ok
}

// Routes mounts the HTTP surface on server.
func (a *App) Routes(server *fiber.App) {
	var storage fiber.Storage
	if a.Redis != nil {
		storage = middleware.NewRedisStorage(a.Redis)
	}
	routes.SetupRoutes(server, routes.Controllers{
		Campaign:  controller.NewCampaignController(a.Store, a.Generator, a.Orchestrator, utils.Component("campaign_api")),
		Sender:    controller.NewSenderController(a.Store, a.Poller, a.Tracker, utils.Component("sender_api")),
		Lead:      controller.NewLeadController(a.Store, a.Scorer, utils.Component("lead_api")),
		Tracking:  controller.NewTrackingController(a.Store, a.Config.Sending.TrackingSecret, utils.Component("tracking_api")),
		FollowUp:  controller.NewFollowUpController(a.Dispatcher, utils.Component("followup_api")),
		Progress:  a.Progress,
		RateLimit: middleware.CompletionRateLimiter(a.Config.RateLimitPerMin, storage),
	}, routes.Options{InternalToken: a.Config.InternalToken})
}

// Close releases external connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logrus.WithError(err).Warn("Failed to close resource")
		}
	}
}

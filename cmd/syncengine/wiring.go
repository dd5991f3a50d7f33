package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity-dev/taskbridge/internal/config"
	"github.com/antigravity-dev/taskbridge/internal/crosswalk"
	"github.com/antigravity-dev/taskbridge/internal/health"
	"github.com/antigravity-dev/taskbridge/internal/httpsurface"
	"github.com/antigravity-dev/taskbridge/internal/logging"
	"github.com/antigravity-dev/taskbridge/internal/observability"
	"github.com/antigravity-dev/taskbridge/internal/plannerclient"
	"github.com/antigravity-dev/taskbridge/internal/ratelimit"
	"github.com/antigravity-dev/taskbridge/internal/store"
	"github.com/antigravity-dev/taskbridge/internal/subscription"
	"github.com/antigravity-dev/taskbridge/internal/syncengine"
	"github.com/antigravity-dev/taskbridge/internal/taskmodel"
	"github.com/antigravity-dev/taskbridge/internal/token"
	"github.com/antigravity-dev/taskbridge/internal/webhook"
)

// delegatedScopes is the capability set the Token Cache mints delegated
// grants for (spec.md §4.1). It is fixed by the planner's permission model
// rather than by operator config.
var delegatedScopes = []string{
	"Tasks.ReadWrite",
	"Group.ReadWrite.All",
	"Chat.Read",
	"ChannelMessage.Read.All",
}

const (
	plannerSubscriptionResource    = "/planner/tasks"
	globalChatSubscriptionResource = "/chats/getAllMessages"
	webhookPlannerPath             = "/webhook/planner"
	webhookChatsPath               = "/webhook/chats"
	httpSurfacePrefix              = "/api"
	healthPath                     = "/healthz"
	metricsPath                    = "/metrics"
)

// deps bundles every wired collaborator cmd/syncengine's subcommands need.
// It is assembled once from Config so serve/sync-once/healthcheck don't
// duplicate the construction order.
type deps struct {
	cfg       config.Config
	logger    logging.Logger
	store     store.Store
	keys      store.Keys
	registry  *prometheus.Registry
	metrics   *health.Metrics
	tokens    *token.Cache
	governor  *ratelimit.Governor
	planner   *plannerclient.Client
	crossw    *crosswalk.Crosswalk
	resolver  taskmodel.NameResolver
	reporter  *health.Reporter
	engine    *syncengine.Engine
	subs      *subscription.Manager
	publisher *webhook.StorePublisher
	router    *webhook.Router
	surface   *httpsurface.Surface
}

// build wires every component from cfg, in dependency order: Store Gateway
// and Token Cache first (spec.md's "global mutable state" singletons), then
// the components that consume them, then the Sync Engine that ties them
// together (spec.md §2's data-flow diagram, bottom-up).
func build(cfg config.Config, obsCfg observability.Config, logger logging.Logger) *deps {
	logger = logging.OrNop(logger)

	registry := prometheus.NewRegistry()
	metrics := health.NewMetrics(registry)

	memStore := store.NewMemoryStore()
	keys := store.Keys{Prefix: cfg.StoreKeyPrefix}

	minter := token.NewHTTPMinter(token.HTTPMinterConfig{
		TenantID:      cfg.TenantID,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AgentUsername: cfg.AgentUsername,
		AgentPassword: cfg.AgentPassword,
	}, nil)
	tokens := token.New(memStore, keys, minter, delegatedScopes)

	// One request/second per endpoint with a small burst is a conservative
	// soft quota; the hard discipline comes from backoff_until after a real
	// 429/503 (spec.md §4.2).
	governor := ratelimit.New(1, 5)

	planner := plannerclient.New(cfg.PlannerBaseURL, tokens, governor, delegatedScopes, &http.Client{Timeout: 30 * time.Second})

	crossw := crosswalk.New(memStore, keys)
	resolver := taskmodel.NewStaticResolver(cfg.UserNameMap)

	engineCfg := syncengine.Config{
		PlannerPollInterval:      cfg.PlannerPollInterval,
		MinQuickPollInterval:     cfg.MinQuickPollInterval,
		UploadBatchSize:          cfg.UploadBatchSize,
		UploadBatchLinger:        cfg.UploadBatchLinger,
		MaxTasksPerPlannerPlan:   cfg.MaxTasksPerPlannerPlan,
		HousekeepingDryRun:       cfg.HousekeepingDryRun,
		HousekeepingInterval:     cfg.HousekeepingInterval,
		DiscoveryCacheTTL:        cfg.DiscoveryCacheTTL,
		InaccessiblePlanCacheTTL: cfg.InaccessiblePlanCacheTTL,
		DefaultPlanID:            cfg.DefaultPlanID,
	}

	engineLogger := &componentLogger{base: logger, component: "sync-engine"}
	engine := syncengine.New(engineCfg, memStore, keys, planner, crossw, resolver, nil, governor, engineLogger)

	reporter := health.New(memStore, keys, engine, metrics, &componentLogger{base: logger, component: "health"})
	engine.SetHealth(reporter)

	subs := subscription.New(
		plannerclient.SubscriptionAdapter{Client: planner},
		planner,
		memStore,
		keys,
		subscription.Config{
			NotificationURL:    cfg.NotificationURL,
			MaxLifetime:        cfg.SubscriptionMaxLifetime,
			RenewSweep:         cfg.SubscriptionRenewSweep,
			RenewWindow:        cfg.SubscriptionRenewWindow,
			PlannerResource:    plannerSubscriptionResource,
			GlobalChatResource: globalChatSubscriptionResource,
			ReleaseOnShutdown:  cfg.ReleaseSubsOnShutdown,
		},
		&componentLogger{base: logger, component: "subscription"},
	)

	publisher := webhook.NewStorePublisher(memStore, keys, &componentLogger{base: logger, component: "webhook"})
	router := webhook.New(subs, publisher, &componentLogger{base: logger, component: "webhook"})

	surface := httpsurface.New(planner, tokens, httpsurface.Config{AgentUserID: cfg.AgentUserID}, &componentLogger{base: logger, component: "httpsurface"})

	d := &deps{
		cfg:       cfg,
		logger:    logger,
		store:     memStore,
		keys:      keys,
		registry:  registry,
		metrics:   metrics,
		tokens:    tokens,
		governor:  governor,
		planner:   planner,
		crossw:    crossw,
		resolver:  resolver,
		reporter:  reporter,
		engine:    engine,
		subs:      subs,
		publisher: publisher,
		router:    router,
		surface:   surface,
	}
	return d
}

// ginEngine assembles the HTTP surface shared by serve: CORS, the webhook
// ingestion endpoints, the HTTP Surface read/write proxy, and the Prometheus
// + health probe endpoints (spec.md §4.6, §4.8, SPEC_FULL.md ambient stack).
func (d *deps) ginEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PATCH", "DELETE"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	}))

	d.router.RegisterRoutes(engine, webhookPlannerPath)
	d.router.RegisterRoutes(engine, webhookChatsPath)
	d.surface.RegisterRoutes(engine, httpSurfacePrefix)
	engine.GET(healthPath, health.Handler(d.store, d.keys))
	engine.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	return engine
}

// componentLogger tags every log line with the emitting subsystem, the way
// observability.StructuredLogger.WithComponent does, without requiring every
// collaborator to depend on the concrete observability type.
type componentLogger struct {
	base      logging.Logger
	component string
}

func (l *componentLogger) Debug(format string, args ...any) { l.base.Debug(l.tag(format), args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.base.Info(l.tag(format), args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.base.Warn(l.tag(format), args...) }
func (l *componentLogger) Error(format string, args ...any) { l.base.Error(l.tag(format), args...) }

func (l *componentLogger) tag(format string) string {
	return fmt.Sprintf("[%s] %s", l.component, format)
}

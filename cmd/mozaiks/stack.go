package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	runlogmongo "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/runlog/mongo"
	clientsrunlog "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/runlog/mongo/clients/mongo"
	lookupmongo "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/lookup/mongo"
	clientslookup "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/lookup/mongo/clients/mongo"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/anthropic"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/middleware"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/openai"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/prompt"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/model/scripted"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/policy/basic"
	sessionmongo "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/session/mongo"
	clientssession "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/session/mongo/clients/mongo"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/session/redislease"
	streampulse "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/stream/pulse"
	clientspulse "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/stream/pulse/clients/pulse"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/transport/websocket"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/contextvars"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/dispatch"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/engine"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/metrics"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/orchestrator"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/persistence"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session/inmem"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/telemetry"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/tools"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/transport"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/workflow"
)

type (
	// stack holds the wired runtime served by the command.
	stack struct {
		orch       *orchestrator.Orchestrator
		transport  *transport.Manager
		dispatcher *dispatch.Dispatcher
		metrics    *metrics.Aggregator
		loader     *workflow.Loader
		checker    health.Checker
		ws         *websocket.Handler

		// audit is nil when no MongoDB is configured.
		audit *runlogmongo.Sink
		// pulse is nil when no Redis is configured.
		pulse clientspulse.Client

		closers []func(context.Context) error
	}

	// lateSessions forwards transport callbacks to the orchestrator, which
	// is built after the transport it reports status to.
	lateSessions struct {
		orch *orchestrator.Orchestrator
	}
)

func (l *lateSessions) Resolve(ctx context.Context, tenantID, sessionID string) error {
	return l.orch.Resolve(ctx, tenantID, sessionID)
}

func (l *lateSessions) SubmitUserInput(ctx context.Context, tenantID, sessionID, content string) error {
	return l.orch.Inputs().SubmitUserInput(ctx, tenantID, sessionID, content)
}

func (l *lateSessions) SubmitToolResponse(ctx context.Context, tenantID, sessionID, toolID string, response json.RawMessage) error {
	return l.orch.Inputs().SubmitToolResponse(ctx, tenantID, sessionID, toolID, response)
}

// newStack wires every component of the runtime. MongoDB and Redis backed
// components are used when their URLs are configured; otherwise the stack
// runs in memory on a single node.
func newStack(ctx context.Context, cfg config, logger telemetry.Logger, tm telemetry.Metrics, tracer telemetry.Tracer) (*stack, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &stack{metrics: metrics.New(tm)}
	var pingers []health.Pinger

	var (
		store  session.Store = inmem.New()
		lookup contextvars.Lookup
	)
	if cfg.MongoURL != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		s.closers = append(s.closers, mc.Disconnect)
		sc, err := clientssession.New(clientssession.Options{Client: mc, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		ms, err := sessionmongo.NewStore(sc)
		if err != nil {
			return nil, err
		}
		lk, err := lookupmongo.NewLookupFromMongo(clientslookup.Options{Client: mc, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, fmt.Errorf("context lookup: %w", err)
		}
		rc, err := clientsrunlog.New(clientsrunlog.Options{Client: mc, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, fmt.Errorf("business event log: %w", err)
		}
		if s.audit, err = runlogmongo.NewSink(rc, logger); err != nil {
			return nil, err
		}
		store, lookup = ms, lk
		pingers = append(pingers, ms, lk, s.audit)
	}

	var (
		locker persistence.Locker
		mirror transport.Mirror
		budget *rmap.Map
	)
	if cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		rl, err := redislease.New(rdb, redislease.Options{})
		if err != nil {
			return nil, err
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return nil, err
		}
		pm, err := streampulse.NewMirror(streampulse.Options{Client: pc})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pm.Close)
		if cfg.TokensPerMin > 0 {
			if budget, err = rmap.Join(ctx, "mozaiks-model-budget", rdb); err != nil {
				return nil, fmt.Errorf("join budget map: %w", err)
			}
			s.closers = append(s.closers, func(context.Context) error { budget.Close(); return nil })
		}
		locker, mirror, s.pulse = rl, pm, pc
		pingers = append(pingers, rl)
	}

	agents, err := newInvoker(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.TokensPerMin > 0 {
		agents = middleware.NewAdaptiveRateLimiter(ctx, budget, "tpm:"+cfg.Provider+":"+cfg.Model, cfg.TokensPerMin, 2*cfg.TokensPerMin).Wrap(agents)
	}

	reg := tools.NewRegistry()
	if err := registerTools(reg); err != nil {
		return nil, err
	}
	policy := basic.New(basic.Options{AllowTools: cfg.AllowTools, BlockTools: cfg.BlockTools, Logger: logger, Metrics: tm})

	late := &lateSessions{}
	s.transport = transport.New(transport.Options{
		Resolver:   late,
		Inputs:     late,
		Mirror:     mirror,
		Logger:     logger,
		Metrics:    tm,
		OutboxSize: cfg.OutboxSize,
	})
	s.closers = append(s.closers, s.transport.Close)
	var archive dispatch.BusinessSink
	if s.audit != nil {
		archive = s.audit
	}
	s.dispatcher = dispatch.New(dispatch.Options{
		Transport: s.transport,
		Business:  dispatch.NewLogSink(logger),
		Archive:   archive,
		Turns:     s.metrics,
		Logger:    logger,
	})
	s.closers = append(s.closers, s.dispatcher.Close)

	s.loader = workflow.NewLoader(workflow.DirSource{Dir: cfg.WorkflowsDir}, workflow.WithLogger(logger))
	s.orch, err = orchestrator.New(orchestrator.Options{
		Definitions: s.loader,
		Persistence: persistence.New(store, persistence.Options{Locker: locker, LeaseTTL: cfg.LeaseTTL, Logger: logger}),
		Dispatcher:  s.dispatcher,
		Agents:      agents,
		Tools:       policy.Wrap(reg),
		Lookup:      lookup,
		Status:      s.transport,
		Tracer:      tracer,
		Logger:      logger,
		CallTimeout: cfg.CallTimeout,
		MaxRetries:  cfg.MaxRetries,
		TailSize:    cfg.TailSize,
	})
	if err != nil {
		return nil, err
	}
	late.orch = s.orch

	s.ws, err = websocket.NewHandler(websocket.Options{Sessions: s.transport, Logger: logger})
	if err != nil {
		return nil, err
	}
	s.checker = health.NewChecker(pingers...)
	return s, nil
}

func newInvoker(cfg config) (engine.AgentInvoker, error) {
	pricing := prompt.Pricing{InputPerMTok: cfg.InputPerMTok, OutputPerMTok: cfg.OutPerMTok}
	switch cfg.Provider {
	case "anthropic":
		model := cfg.Model
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		c, err := anthropic.NewFromAPIKey(cfg.APIKey, anthropic.Options{Model: model, Pricing: pricing})
		if err != nil {
			return nil, fmt.Errorf("anthropic invoker: %w", err)
		}
		return c, nil
	case "openai":
		c, err := openai.NewFromAPIKey(cfg.APIKey, openai.Options{Model: cfg.Model, Pricing: pricing})
		if err != nil {
			return nil, fmt.Errorf("openai invoker: %w", err)
		}
		return c, nil
	case "scripted":
		return scripted.Load(cfg.ScriptPath)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// close releases the stack in reverse construction order.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

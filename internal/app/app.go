// Package app assembles the orchestrator, its stores, connectors and
// surfaces from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/errgroup"

	"github.com/rahul/missionctl/internal/connector"
	"github.com/rahul/missionctl/internal/control"
	"github.com/rahul/missionctl/internal/gateway"
	"github.com/rahul/missionctl/internal/governance"
	"github.com/rahul/missionctl/internal/mission"
	"github.com/rahul/missionctl/internal/observability"
	"github.com/rahul/missionctl/internal/orchestrator"
	"github.com/rahul/missionctl/internal/planner"
	"github.com/rahul/missionctl/internal/postevent"
	"github.com/rahul/missionctl/internal/server"
	"github.com/rahul/missionctl/internal/store"
	"github.com/rahul/missionctl/pkg/config"
)

// ShutdownGrace bounds how long in-flight executions get to reach a step
// boundary once the process is asked to stop.
const ShutdownGrace = 30 * time.Second

// Options override pieces of the assembly, mostly for tests.
type Options struct {
	Logger *observability.Logger
	// Model replaces the configured LLM provider.
	Model llms.Model
	// SkipGateways leaves chat gateways and their connectors unconfigured.
	SkipGateways bool
}

type App struct {
	Config       *config.Config
	Logger       *observability.Logger
	Store        store.PlanStore
	Registry     *connector.Registry
	Policy       *governance.DefaultPolicyEngine
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *orchestrator.Dispatcher
	Sweeper      *orchestrator.Sweeper
	Missions     *mission.Catalog
	Service      *control.Service
	Notifier     *gateway.Notifier
	Telegram     *gateway.TelegramGateway
	Handler      http.Handler
}

// New wires every component. Nothing runs until Run is called.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger()
	}

	st, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Store: st, Notifier: gateway.NewNotifier()}

	if err := a.build(cfg, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, opts Options) error {
	policy, err := NewPolicy(cfg.Policy)
	if err != nil {
		return err
	}
	a.Policy = policy

	if !opts.SkipGateways {
		if tgCfg, ok := cfg.GetTelegramConfig(); ok {
			tg, err := gateway.NewTelegramGateway(tgCfg.Token, nil, tgCfg.AllowedChats)
			if err != nil {
				return fmt.Errorf("telegram gateway: %w", err)
			}
			a.Telegram = tg
			a.Notifier.Register(gateway.ChannelTelegram, tg)
		}
	}

	reg, err := a.newRegistry(cfg, opts)
	if err != nil {
		return err
	}
	a.Registry = reg

	oc := cfg.Orchestrator
	a.Orchestrator = orchestrator.New(a.Store, reg, orchestrator.Config{
		RetryCeiling:   oc.RetryCeiling,
		InitialBackoff: oc.InitialBackoff,
		MaxBackoff:     oc.MaxBackoff,
		StepTimeout:    oc.StepTimeout,
		LeaseTTL:       oc.LeaseTTL,
	})
	a.Orchestrator.Policy = policy
	a.Orchestrator.Logger = a.Logger
	a.Orchestrator.Notifier = a.Notifier
	a.Dispatcher = orchestrator.NewDispatcher(a.Orchestrator, oc.MaxConcurrent, a.Logger)
	a.Sweeper = orchestrator.NewSweeper(a.Store, a.Dispatcher, a.Logger, oc.SweepInterval, oc.StaleAfter)

	missions, err := LoadMissions(cfg.Missions)
	if err != nil {
		return err
	}
	a.Missions = missions

	svc := control.New(a.Store, a.Dispatcher, reg)
	svc.Logger = a.Logger
	svc.Missions = missions
	events := postevent.New(missions, a.Store, a.Dispatcher, cfg.Missions.Routes)
	events.Logger = a.Logger
	svc.Events = events

	model := opts.Model
	if model == nil {
		if name, p := cfg.GetDefaultProvider(); name != "" {
			model, err = NewModel(name, p)
			if err != nil {
				return err
			}
		} else {
			log.Printf("No enabled provider found in config; plan generation is disabled")
		}
	}
	if model != nil {
		svc.Planner = planner.NewLLMPlanner(model, reg, planner.NewPromptManager(cfg.Prompts.Directory), a.Logger, planner.Config{
			Timeout:             cfg.Planner.Timeout,
			MaxInstructionChars: cfg.Planner.MaxInstructionChars,
			MaxSteps:            cfg.Planner.MaxSteps,
		})
	}
	a.Service = svc

	if a.Telegram != nil {
		a.Telegram.Intake = svc
	}

	handler, err := server.New(server.Config{Backend: svc, JWTSecret: cfg.Server.JWTSecret})
	if err != nil {
		return err
	}
	a.Handler = handler
	return nil
}

// OpenStore opens the configured plan store.
func OpenStore(cfg config.StoreConfig) (store.PlanStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		st, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "redis":
		st, err := store.NewRedisStore(store.RedisOptions{URL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NewModel builds the langchaingo client for a provider entry.
func NewModel(name string, p config.ProviderConfig) (llms.Model, error) {
	switch name {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(p.Model)}
		if p.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(p.BaseURL))
		}
		return ollama.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(p.APIKey),
			anthropic.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(p.BaseURL))
		}
		return anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s is not supported", name)
	}
}

// NewPolicy builds the governance engine from the configured deny rules.
func NewPolicy(cfg config.PolicyConfig) (*governance.DefaultPolicyEngine, error) {
	gov := governance.NewDefaultPolicyEngine()
	for _, name := range cfg.DeniedConnectors {
		gov.DenyConnector(name)
	}
	for _, qualified := range cfg.DeniedActions {
		gov.DenyAction(qualified)
	}
	for _, pattern := range cfg.DeniedArguments {
		if err := gov.DenyArguments(pattern); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
	}
	for _, expr := range cfg.Expressions {
		if err := gov.DenyExpression(expr); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
	}
	return gov, nil
}

// LoadMissions returns the built-in templates merged with the optional file.
func LoadMissions(cfg config.MissionsConfig) (*mission.Catalog, error) {
	c := mission.Default()
	if cfg.File != "" {
		if err := c.LoadFile(cfg.File); err != nil {
			return nil, err
		}
	}
	for eventType, name := range cfg.Routes {
		if _, ok := c.Get(name); !ok {
			return nil, fmt.Errorf("missions.routes: event %q maps to unknown mission %q", eventType, name)
		}
	}
	return c, nil
}

func (a *App) newRegistry(cfg *config.Config, opts Options) (*connector.Registry, error) {
	reg := connector.NewRegistry()
	cc := cfg.Connectors

	if cc.CRM.Enabled {
		reg.Register("crm", connector.NewCRMConnector(connector.CRMConfig{
			BaseURL:        cc.CRM.BaseURL,
			Headless:       cc.CRM.Headless,
			ScreenshotDir:  cc.CRM.ScreenshotDir,
			ActionTimeout:  cc.CRM.ActionTimeout,
			NoteSelector:   cc.CRM.NoteSelector,
			SubmitSelector: cc.CRM.SubmitSelector,
		}))
	}
	if cc.Email.Enabled {
		reg.Register("email", connector.NewEmailConnector(connector.EmailConfig{
			Host:     cc.Email.Host,
			Port:     cc.Email.Port,
			Username: cc.Email.Username,
			Password: cc.Email.Password,
			From:     cc.Email.From,
		}))
	}
	if cc.Calls.Enabled {
		reg.Register("calls", connector.NewCallsConnector(connector.CallsConfig{
			BaseURL: cc.Calls.BaseURL,
			APIKey:  cc.Calls.APIKey,
			Timeout: cc.Calls.Timeout,
		}))
	}
	if cc.Web.Enabled {
		web, err := connector.NewWebConnector(cc.Web.MaxResults)
		if err != nil {
			log.Printf("Warning: Failed to initialize web connector: %v", err)
		} else {
			reg.Register("web", web)
		}
	}

	if a.Telegram != nil {
		reg.Register("telegram", connector.NewTelegramConnector(a.Telegram.Bot))
	}
	if !opts.SkipGateways {
		if dc, ok := cfg.GetDiscordConfig(); ok {
			discord, err := connector.NewDiscordConnector(dc.Token, dc.Channel)
			if err != nil {
				return nil, fmt.Errorf("discord connector: %w", err)
			}
			reg.Register("discord", discord)
		}
	}
	return reg, nil
}

// Run serves the API and chat gateway, resumes stale plans and blocks until
// ctx is done. In-flight executions are then given ShutdownGrace to stop at
// a step boundary.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{Addr: a.Config.Server.Addr, Handler: a.Handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.Sweeper.Interval > 0 {
		// Each sweep also records a heartbeat.
		g.Go(func() error {
			a.Sweeper.Start(gctx)
			return nil
		})
	} else {
		g.Go(func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					observability.Heartbeat()
					a.Logger.LogHeartbeat()
				}
			}
		})
	}
	if a.Telegram != nil {
		g.Go(func() error {
			if err := a.Telegram.Start(gctx); err != nil {
				return fmt.Errorf("telegram gateway: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		if a.Telegram != nil {
			a.Telegram.Stop()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
		if err := a.Dispatcher.Shutdown(shutdownCtx); err != nil {
			log.Printf("Executions interrupted at shutdown: %v", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases connectors and the store.
func (a *App) Close() error {
	var errs []error
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

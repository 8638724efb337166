// Package agent is the embeddable runtime that wires config resolution,
// transport, the nine-step pipeline, routing, reasoning, telemetry, and
// lifecycle management into a single runnable unit, the one type a
// binary under cmd/agent actually constructs. It owns connection setup,
// runner init, message processing, and shutdown signal handling behind
// one Run() call.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tenzoki/agenmesh/internal/agentconfig"
	"github.com/tenzoki/agenmesh/internal/envelope"
	"github.com/tenzoki/agenmesh/internal/guard"
	"github.com/tenzoki/agenmesh/internal/lifecycle"
	"github.com/tenzoki/agenmesh/internal/obslog"
	"github.com/tenzoki/agenmesh/internal/orchestrator"
	"github.com/tenzoki/agenmesh/internal/pipeline"
	"github.com/tenzoki/agenmesh/internal/reasoning"
	"github.com/tenzoki/agenmesh/internal/router"
	"github.com/tenzoki/agenmesh/internal/telemetry"
	"github.com/tenzoki/agenmesh/internal/transport"
)

// RouterMode declares whether an agent runs a v2 router. The backend
// itself is Options.V2Router; any mode other than RouterModeNone, together
// with a non-empty RegistryPattern, makes the agent subscribe to registry
// status updates. v1 envelopes never consult this (their StaticRouter is
// always wired).
type RouterMode int

const (
	RouterModeNone RouterMode = iota
	RouterModeLLM
	RouterModeGatekeeper
)

// Options configures one Agent. Hub is required (New fails without it);
// an empty AgentID is generated from AgentType, hostname and pid, and
// LogDir, DrainTimeout and ReconnectTimeout have defaults.
type Options struct {
	AgentType     string
	AgentID       string
	ConfigFlag    string
	BrokerAddress string
	LogDir        string

	// Hub is the in-process broker shared by every agent running in this
	// build (there is no standalone network broker process in this core;
	// see internal/transport's package doc). Required.
	Hub *transport.Hub

	// Tools registers every capability this agent's reasoning loop may
	// dispatch to. Nil means the agent answers with no tool access.
	Tools []reasoning.Tool

	SystemPrompt string
	LLM          reasoning.LLM

	RouterMode       RouterMode
	V2Router         router.Router
	RegistryPattern  string // e.g. "/control/agents/+/status"; required for RouterModeLLM/Gatekeeper
	DrainTimeout     time.Duration
	ReconnectTimeout time.Duration
}

// Agent is one running agent process: everything Options describes,
// wired and ready for Run.
type Agent struct {
	opts Options
	cfg  agentconfig.Config

	sessionLog *obslog.SessionLogger
	log        *obslog.Logger
	transport  *transport.Transport
	registry   *router.Registry
	telemetry  *telemetry.Telemetry
	runner     *lifecycle.Runner
	manager    *lifecycle.Manager
}

// New resolves configuration and wires every collaborator, but does not
// yet connect to the broker or start processing (that's Run).
func New(opts Options) (*Agent, error) {
	if opts.AgentID == "" {
		opts.AgentID = agentconfig.GetAgentID("", opts.AgentType)
	}
	if opts.LogDir == "" {
		opts.LogDir = "logs"
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.ReconnectTimeout == 0 {
		opts.ReconnectTimeout = 60 * time.Second
	}

	cfg, err := agentconfig.Load(opts.AgentType, opts.ConfigFlag, opts.AgentID, opts.BrokerAddress)
	if err != nil {
		return nil, fmt.Errorf("agent: load config: %w", err)
	}
	if err := envelope.ValidateAgentID(cfg.AgentID); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	sessionLog, err := obslog.New(opts.LogDir, !cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("agent: open session log: %w", err)
	}
	log := sessionLog.With(zap.String("agent_id", cfg.AgentID))

	if opts.Hub == nil {
		sessionLog.Close()
		return nil, fmt.Errorf("agent: Options.Hub is required")
	}
	tr := transport.New(transport.NewHubClient(opts.Hub), cfg.BrokerAddress, cfg.AgentID, log)

	reg := router.NewRegistry(time.Duration(cfg.Budgets.RegistryTTLSecs)*time.Second, nil)

	processed, err := guard.NewProcessedSet(cfg.Budgets.ProcessedSetCap)
	if err != nil {
		sessionLog.Close()
		return nil, fmt.Errorf("agent: create idempotency guard: %w", err)
	}

	tel := telemetry.New()

	orc := &orchestrator.Orchestrator{
		AgentID:       cfg.AgentID,
		StaticRouter:  router.StaticRouter{},
		V2Router:      opts.V2Router,
		Registry:      reg,
		Transport:     tr,
		MaxIterations: uint32(cfg.Budgets.MaxIterations),
	}

	var reasoner pipeline.Reasoner
	if opts.LLM != nil {
		executor := reasoning.NewExecutor()
		for _, tool := range opts.Tools {
			if err := executor.Register(tool); err != nil {
				sessionLog.Close()
				return nil, fmt.Errorf("agent: register tool %q: %w", tool.Definition.Name, err)
			}
		}
		reasoner = &pipeline.LoopReasoner{
			Loop: &reasoning.Loop{
				LLM:           opts.LLM,
				Executor:      executor,
				MaxToolCalls:  cfg.Budgets.MaxToolCalls,
				MaxIterations: cfg.Budgets.MaxIterations,
			},
			SystemPrompt: opts.SystemPrompt,
		}
	}

	p := &pipeline.Pipeline{
		AgentID: cfg.AgentID,
		Processed: processed,
		Depth: guard.DepthGuard{
			MaxPipelineDepth: cfg.Budgets.MaxPipelineDepth,
			MaxIterations:    cfg.Budgets.MaxIterations,
		},
		Reasoner:     reasoner,
		Orchestrator: orc,
		Transport:    tr,
		Telemetry:    tel,
		Log:          log,
	}

	manager := lifecycle.NewManager(log)
	runner := &lifecycle.Runner{
		AgentID:      cfg.AgentID,
		Transport:    tr,
		Pipeline:     p,
		Manager:      manager,
		Log:          log,
		DrainTimeout: opts.DrainTimeout,
	}
	if prober, ok := opts.LLM.(reasoning.Prober); ok {
		runner.LLMProbe = prober.Probe
	}
	if opts.RouterMode != RouterModeNone && opts.RegistryPattern != "" {
		runner.RegistrySubscriber = func(ctx context.Context) error {
			return subscribeRegistry(ctx, tr, reg, opts.RegistryPattern)
		}
	}

	return &Agent{
		opts:       opts,
		cfg:        cfg,
		sessionLog: sessionLog,
		log:        log,
		transport:  tr,
		registry:   reg,
		telemetry:  tel,
		runner:     runner,
		manager:    manager,
	}, nil
}

// Run starts the agent and blocks until an OS signal (SIGINT/SIGTERM) or
// ctx cancellation requests a graceful shutdown.
func (a *Agent) Run(ctx context.Context) error {
	defer a.sessionLog.Close()

	if err := a.runner.Startup(ctx); err != nil {
		return fmt.Errorf("agent: startup: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.log.Info("received OS signal, stopping gracefully", zap.String("signal", sig.String()))
	case <-ctx.Done():
		a.log.Info("context cancelled, stopping gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.DrainTimeout+5*time.Second)
	defer cancel()
	if err := a.runner.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("agent: shutdown: %w", err)
	}
	return nil
}

// Telemetry exposes the per-instance prometheus registry for an embedding
// process that wants to serve /metrics itself.
func (a *Agent) Telemetry() *telemetry.Telemetry { return a.telemetry }

// subscribeRegistry feeds the router's agent registry from the retained
// status messages agents publish on their own status topics, matched by
// the given wildcard pattern. Status payloads are not task envelopes, so
// this uses SubscribeRaw rather than the Incoming() envelope stream.
func subscribeRegistry(ctx context.Context, tr *transport.Transport, reg *router.Registry, pattern string) error {
	ch, err := tr.SubscribeRaw(ctx, pattern)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			var status envelope.StatusPayload
			if err := json.Unmarshal(msg.Payload, &status); err != nil {
				continue
			}
			reg.Update(router.AgentInfo{
				AgentID:  status.AgentID,
				Status:   status.Status,
				LastSeen: status.Timestamp,
			})
		}
	}()
	return nil
}

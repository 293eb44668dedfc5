// Package agentmesh assembles the orchestrator from configuration:
// catalog, policy engine, context compiler, agent loop, checkpoint
// manager and scheduler. The Engine is the embedding API; the CLI
// under cmd/agentmesh is a thin wrapper around it.
package agentmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/svjt78/AgentMesh-sub000/internal/agentloop"
	"github.com/svjt78/AgentMesh-sub000/internal/catalog"
	"github.com/svjt78/AgentMesh-sub000/internal/checkpoint"
	"github.com/svjt78/AgentMesh-sub000/internal/contextpipe"
	"github.com/svjt78/AgentMesh-sub000/internal/policy"
	"github.com/svjt78/AgentMesh-sub000/internal/scheduler"
	"github.com/svjt78/AgentMesh-sub000/pkg/artifact"
	"github.com/svjt78/AgentMesh-sub000/pkg/audit"
	"github.com/svjt78/AgentMesh-sub000/pkg/capability"
	"github.com/svjt78/AgentMesh-sub000/pkg/config"
	"github.com/svjt78/AgentMesh-sub000/pkg/embeddings"
	"github.com/svjt78/AgentMesh-sub000/pkg/memory"
	"github.com/svjt78/AgentMesh-sub000/pkg/observability"
	"github.com/svjt78/AgentMesh-sub000/pkg/reasoning"
	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

// ErrNoProvider is returned when no reasoning provider is configured
// or injected.
var ErrNoProvider = errors.New("no reasoning provider configured")

// Engine wires the orchestrator's components and runs workflows.
// Within a session reasoning is sequential; across sessions the
// engine runs up to MaxConcurrentSessions workflows in parallel.
type Engine struct {
	cfg *config.Config

	catalog     *catalog.Catalog
	policies    *policy.Engine
	memories    *memory.Store
	artifacts   *artifact.Store
	gateway     capability.Gateway
	provider    reasoning.Provider
	auditLog    audit.Logger
	sink        session.EventSink
	sessions    *session.Manager
	checkpoints *checkpoint.Manager
	waiter      checkpoint.Waiter
	decider     scheduler.Decider
	scheduler   *scheduler.Scheduler

	memSweeper *memory.Sweeper
	obsServer  *observability.Server

	mu      sync.Mutex
	started bool
}

// Option overrides a component the config would otherwise construct.
type Option func(*Engine)

// WithProvider injects the reasoning provider (mock in tests, a
// non-OpenAI backend in production).
func WithProvider(p reasoning.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithGateway injects the capability gateway.
func WithGateway(g capability.Gateway) Option {
	return func(e *Engine) { e.gateway = g }
}

// WithAuditLogger injects the audit logger (default: JSON to stdout).
func WithAuditLogger(l audit.Logger) Option {
	return func(e *Engine) { e.auditLog = l }
}

// WithSessionSink injects the session event sink, overriding the
// configured store.
func WithSessionSink(s session.EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithWaiter injects the checkpoint waiter (tests use short polls).
func WithWaiter(w checkpoint.Waiter) Option {
	return func(e *Engine) { e.waiter = w }
}

// WithDecider injects the scheduling decider. The default follows the
// workflow's declared actor order.
func WithDecider(d scheduler.Decider) Option {
	return func(e *Engine) { e.decider = d }
}

// New builds an engine from config. Components not overridden by
// options are constructed from the config document.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cat, err := catalog.New(cfg.Actors, cfg.Capabilities, cfg.Workflows)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	e := &Engine{cfg: cfg, catalog: cat}
	for _, opt := range opts {
		opt(e)
	}

	e.policies = policy.NewEngine(policy.Config{
		InvocationRules: cfg.Policy.InvocationRules,
		CapabilityAllow: cfg.Policy.CapabilityAllow,
		HandoffRules:    cfg.Policy.HandoffRules,
		LimitOverrides:  cfg.Policy.ActorLimits,
		Defaults:        cfg.Policy.Defaults,
	})

	e.memories = memory.NewStore(memory.Config{
		MaxEntries:     cfg.Memory.MaxEntries,
		TagBonusWeight: cfg.Memory.TagBonusWeight,
	})
	if cfg.Memory.EmbeddingModel != "" && cfg.Provider.APIKey != "" {
		e.memories.SetEmbedder(embeddings.NewOpenAIEmbedder(embeddings.OpenAIConfig{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
			Model:   cfg.Memory.EmbeddingModel,
		}))
	}
	e.artifacts = artifact.NewStore()

	if e.auditLog == nil {
		e.auditLog = audit.NewJSONLogger()
	}
	if e.provider == nil && cfg.Provider.APIKey != "" {
		e.provider = reasoning.NewOpenAIProvider(reasoning.OpenAIConfig{
			APIKey:            cfg.Provider.APIKey,
			BaseURL:           cfg.Provider.BaseURL,
			MaxRetries:        cfg.Provider.MaxRetries,
			RetryBackoff:      cfg.Provider.RetryBackoff.Duration,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Burst:             cfg.Provider.Burst,
		})
	}
	if e.provider == nil {
		return nil, ErrNoProvider
	}

	if e.gateway == nil {
		e.gateway = capability.NewLocalGateway()
	}
	if cfg.Engine.CapabilityRate > 0 {
		e.gateway = capability.NewRateLimitedGateway(e.gateway, cfg.Engine.CapabilityRate, cfg.Engine.CapabilityBurst)
	}

	if e.sink == nil {
		switch cfg.Session.Store {
		case "redis":
			sink, err := session.NewRedisSink(session.RedisConfig{
				Addr:     cfg.Session.Redis.Addr,
				Password: cfg.Session.Redis.Password,
				DB:       cfg.Session.Redis.DB,
				Prefix:   cfg.Session.Redis.Prefix,
				EventTTL: cfg.Session.Redis.EventTTL.Duration,
				PoolSize: cfg.Session.Redis.PoolSize,
			})
			if err != nil {
				return nil, fmt.Errorf("session store: %w", err)
			}
			e.sink = sink
		default:
			e.sink = session.NewMemorySink()
		}
	}
	e.sessions = session.NewManager(e.sink)

	e.checkpoints = checkpoint.NewManager(checkpoint.RoleConfig{
		AdminRoles: cfg.Checkpoints.AdminRoles,
		Delegates:  cfg.Checkpoints.Delegates,
	}, e.auditLog)
	if e.waiter == nil {
		e.waiter = checkpoint.NewPollWaiter(e.checkpoints)
	} else if pw, ok := e.waiter.(*checkpoint.PollWaiter); ok && pw.Manager == nil {
		pw.Manager = e.checkpoints
	}

	compiler, err := contextpipe.New(contextpipe.Config{
		MaxAge:              cfg.Context.MaxAge.Duration,
		MaskFieldPatterns:   cfg.Context.MaskFields,
		CompactionThreshold: cfg.Context.CompactionThreshold,
		CompactionKeep:      cfg.Context.CompactionKeep,
		InputShare:          cfg.Context.InputShare,
		OutputsShare:        cfg.Context.OutputsShare,
		ObservationsShare:   cfg.Context.ObservationsShare,
	}, e.policies, e.memories, e.artifacts)
	if err != nil {
		return nil, fmt.Errorf("context compiler: %w", err)
	}

	loop := agentloop.New(agentloop.Config{
		MalformedLimit:   cfg.Engine.MalformedLimit,
		SchemaRetryLimit: cfg.Engine.SchemaRetryLimit,
	}, compiler, e.provider, e.gateway, e.policies, e.auditLog)

	e.scheduler = scheduler.New(scheduler.Config{
		MaxIterations: cfg.Engine.MaxIterations,
		MaxWallClock:  cfg.Engine.MaxWallClock.Duration,
		TokenBudget:   cfg.Engine.TokenBudget,
	}, cat, e.policies, loop, e.checkpoints, e.waiter, e.decider, e.auditLog)

	return e, nil
}

// Start brings up the engine's background work: metrics, tracing, the
// checkpoint timeout sweep, the memory retention sweep and, when
// configured, the observability HTTP server.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}

	observability.InitMetrics()
	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("[ENGINE] tracing init failed, continuing without: %v", err)
	}

	sweep := e.cfg.Checkpoints.SweepInterval.Duration
	if sweep <= 0 {
		sweep = 5 * time.Second
	}
	if err := e.checkpoints.StartSweep(sweep); err != nil {
		return fmt.Errorf("checkpoint sweep: %w", err)
	}

	if schedule := e.cfg.Memory.SweepSchedule; schedule != "" {
		e.memSweeper = memory.NewSweeper(e.memories)
		if err := e.memSweeper.Start(schedule); err != nil {
			return fmt.Errorf("memory sweep: %w", err)
		}
	}

	if port := e.cfg.Observability.Port; port > 0 {
		checker := observability.NewHealthChecker()
		checker.Register(observability.HealthCheck{
			Name:     "session_store",
			Critical: true,
			CheckFunc: func(ctx context.Context) error {
				_, err := e.sink.Load(ctx, "healthcheck")
				return err
			},
		})
		e.obsServer = observability.NewServer(port, checker)
		go func() {
			if err := e.obsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[ENGINE] observability server: %v", err)
			}
		}()
	}

	e.started = true
	return nil
}

// WorkflowRequest names one workflow execution.
type WorkflowRequest struct {
	WorkflowID string
	Input      string
}

// RunWorkflow executes one workflow to its terminal result. The only
// error is an unknown workflow id; a degraded run surfaces through
// the result's warnings, never as an error.
func (e *Engine) RunWorkflow(ctx context.Context, workflowID, input string) (*scheduler.Result, error) {
	wf, err := e.catalog.Workflow(workflowID)
	if err != nil {
		return nil, err
	}

	sess := e.sessions.Create(workflowID, input)
	observability.SetActiveSessions(len(e.sessions.Active()))
	defer func() {
		observability.SetActiveSessions(len(e.sessions.Active()))
	}()

	log.Printf("[ENGINE] session %s: workflow %s started", sess.ID, workflowID)
	res := e.scheduler.Run(ctx, wf, sess)
	e.storeConclusion(res)
	return res, nil
}

// storeConclusion writes a memory entry for a concluded run so later
// sessions can retrieve what it produced. Runs that ended with no
// output (cancelled, failed) leave no entry.
func (e *Engine) storeConclusion(res *scheduler.Result) {
	if res == nil || res.Status != session.StatusCompleted || len(res.Output) == 0 {
		return
	}
	summary, err := json.Marshal(res.Output)
	if err != nil {
		log.Printf("[ENGINE] session %s: conclusion not stored: %v", res.SessionID, err)
		return
	}
	e.memories.Put(memory.Entry{
		Type:    "session_conclusion",
		Content: fmt.Sprintf("workflow %s concluded: %s", res.WorkflowID, summary),
		Tags:    []string{res.WorkflowID},
		Metadata: map[string]any{
			"session_id":        res.SessionID,
			"workflow_id":       res.WorkflowID,
			"completion_reason": res.CompletionReason,
			"warnings":          res.Warnings,
		},
	})
}

// RunWorkflows executes several workflows concurrently, bounded by
// MaxConcurrentSessions. Workflow ids are validated before anything
// runs, so a bad request cannot strand the others mid-flight. Results
// align with the request slice.
func (e *Engine) RunWorkflows(ctx context.Context, reqs []WorkflowRequest) ([]*scheduler.Result, error) {
	for _, req := range reqs {
		if _, err := e.catalog.Workflow(req.WorkflowID); err != nil {
			return nil, err
		}
	}

	results := make([]*scheduler.Result, len(reqs))

	limit := e.cfg.Engine.MaxConcurrentSessions
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := e.RunWorkflow(gctx, req.WorkflowID, req.Input)
			if err != nil {
				return fmt.Errorf("workflow %s: %w", req.WorkflowID, err)
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// StartWorkflow launches a workflow without waiting for it. The
// session id is available immediately; done receives the result.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, input string) (string, <-chan *scheduler.Result, error) {
	wf, err := e.catalog.Workflow(workflowID)
	if err != nil {
		return "", nil, err
	}

	sess := e.sessions.Create(workflowID, input)
	observability.SetActiveSessions(len(e.sessions.Active()))

	done := make(chan *scheduler.Result, 1)
	go func() {
		defer observability.SetActiveSessions(len(e.sessions.Active()))
		res := e.scheduler.Run(ctx, wf, sess)
		e.storeConclusion(res)
		done <- res
	}()
	return sess.ID, done, nil
}

// Cancel flags a running session; the scheduler observes the flag at
// its next loop boundary or checkpoint wait.
func (e *Engine) Cancel(sessionID string) error {
	return e.sessions.Cancel(sessionID)
}

// PendingCheckpoints lists unresolved checkpoints for a session.
func (e *Engine) PendingCheckpoints(sessionID string) []checkpoint.Snapshot {
	return e.checkpoints.Pending(sessionID)
}

// ResolveCheckpoint applies a human decision to a pending checkpoint.
func (e *Engine) ResolveCheckpoint(checkpointID string, res checkpoint.Resolution, requesterRole string) checkpoint.Outcome {
	return e.checkpoints.Resolve(checkpointID, res, requesterRole)
}

// Memories exposes the long-term memory store for seeding and
// inspection.
func (e *Engine) Memories() *memory.Store { return e.memories }

// Artifacts exposes the versioned artifact store.
func (e *Engine) Artifacts() *artifact.Store { return e.artifacts }

// Shutdown stops background work and flushes tracing. Safe to call
// without a prior Start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	e.checkpoints.StopSweep()
	if e.memSweeper != nil {
		e.memSweeper.Stop()
	}

	var firstErr error
	if e.obsServer != nil {
		if err := e.obsServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := observability.ShutdownTracing(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.sink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

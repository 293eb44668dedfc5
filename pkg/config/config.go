// Package config loads and validates the orchestrator's YAML
// configuration: the actor/capability/workflow catalog, policy rules,
// engine ceilings and backing-store settings. Parsing goes through
// the bounded YAML parser so untrusted documents cannot exhaust the
// process.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/svjt78/AgentMesh-sub000/internal/catalog"
	"github.com/svjt78/AgentMesh-sub000/internal/policy"
	"github.com/svjt78/AgentMesh-sub000/pkg/security"
)

// Config is the top-level configuration document.
type Config struct {
	Actors       []catalog.ActorDef      `yaml:"actors"`
	Capabilities []catalog.CapabilityDef `yaml:"capabilities,omitempty"`
	Workflows    []catalog.WorkflowDef   `yaml:"workflows"`

	Policy        PolicyConfig        `yaml:"policy,omitempty"`
	Engine        EngineConfig        `yaml:"engine,omitempty"`
	Context       ContextConfig       `yaml:"context,omitempty"`
	Memory        MemoryConfig        `yaml:"memory,omitempty"`
	Checkpoints   CheckpointConfig    `yaml:"checkpoints,omitempty"`
	Session       SessionConfig       `yaml:"session,omitempty"`
	Provider      ProviderConfig      `yaml:"provider,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// PolicyConfig declares the rule set for the policy engine.
type PolicyConfig struct {
	InvocationRules []policy.InvocationRule  `yaml:"invocation_rules,omitempty"`
	CapabilityAllow map[string][]string      `yaml:"capability_allow,omitempty"`
	HandoffRules    []policy.HandoffRule     `yaml:"handoff_rules,omitempty"`
	Defaults        policy.Limits            `yaml:"defaults,omitempty"`
	ActorLimits     map[string]policy.Limits `yaml:"actor_limits,omitempty"`
}

// EngineConfig sets process-wide ceilings applied when a workflow
// definition carries no override.
type EngineConfig struct {
	MaxIterations int              `yaml:"max_iterations,omitempty"`
	MaxWallClock  catalog.Duration `yaml:"max_wall_clock,omitempty"`
	TokenBudget   int              `yaml:"token_budget,omitempty"`

	// Secondary loop bounds.
	MalformedLimit   int `yaml:"malformed_limit,omitempty"`
	SchemaRetryLimit int `yaml:"schema_retry_limit,omitempty"`

	// MaxConcurrentSessions bounds parallel workflow sessions
	// (default 4). Reasoning within a session stays sequential.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions,omitempty"`

	// CapabilityRate throttles capability invocations per second
	// across all sessions (0 = unlimited).
	CapabilityRate  float64 `yaml:"capability_rate,omitempty"`
	CapabilityBurst int     `yaml:"capability_burst,omitempty"`
}

// ContextConfig tunes the context compiler.
type ContextConfig struct {
	MaxAge              catalog.Duration `yaml:"max_age,omitempty"`
	MaskFields          []string         `yaml:"mask_fields,omitempty"`
	CompactionThreshold int              `yaml:"compaction_threshold,omitempty"`
	CompactionKeep      int              `yaml:"compaction_keep,omitempty"`
	InputShare          float64          `yaml:"input_share,omitempty"`
	OutputsShare        float64          `yaml:"outputs_share,omitempty"`
	ObservationsShare   float64          `yaml:"observations_share,omitempty"`
}

// MemoryConfig tunes the long-term memory store.
type MemoryConfig struct {
	MaxEntries     int     `yaml:"max_entries,omitempty"`
	TagBonusWeight float64 `yaml:"tag_bonus_weight,omitempty"`
	// SweepSchedule is a cron expression for expired-entry removal
	// (empty disables the sweep).
	SweepSchedule string `yaml:"sweep_schedule,omitempty"`
	// EmbeddingModel enables vector retrieval through the configured
	// provider when set.
	EmbeddingModel string `yaml:"embedding_model,omitempty"`
}

// CheckpointConfig sets role authorization and the timeout sweep.
type CheckpointConfig struct {
	AdminRoles    []string            `yaml:"admin_roles,omitempty"`
	Delegates     map[string][]string `yaml:"delegates,omitempty"`
	SweepInterval catalog.Duration    `yaml:"sweep_interval,omitempty"`
}

// SessionConfig selects the event-log backend.
type SessionConfig struct {
	// Store is "memory" or "redis" (default "memory").
	Store string      `yaml:"store,omitempty"`
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig holds Redis settings for the session event log.
type RedisConfig struct {
	Addr     string           `yaml:"addr,omitempty"`
	Password string           `yaml:"password,omitempty"`
	DB       int              `yaml:"db,omitempty"`
	Prefix   string           `yaml:"prefix,omitempty"`
	EventTTL catalog.Duration `yaml:"event_ttl,omitempty"`
	PoolSize int              `yaml:"pool_size,omitempty"`
}

// ProviderConfig configures the reasoning provider.
type ProviderConfig struct {
	APIKey            string           `yaml:"api_key,omitempty"`
	BaseURL           string           `yaml:"base_url,omitempty"`
	DefaultModel      string           `yaml:"default_model,omitempty"`
	MaxRetries        int              `yaml:"max_retries,omitempty"`
	RetryBackoff      catalog.Duration `yaml:"retry_backoff,omitempty"`
	RequestsPerSecond float64          `yaml:"requests_per_second,omitempty"`
	Burst             int              `yaml:"burst,omitempty"`
}

// ObservabilityConfig configures the metrics/health HTTP server.
type ObservabilityConfig struct {
	// Port serves /metrics and /health when > 0.
	Port int `yaml:"port,omitempty"`
}

// FileReader reads files (interface for testability).
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path comes from operator input
}

// Loader parses config files with bounded YAML limits.
type Loader struct {
	fileReader FileReader
	yamlParser *security.SafeYAMLParser
}

// NewLoader creates a loader with default parsing limits.
func NewLoader(fr FileReader) *Loader {
	return NewLoaderWithLimits(fr, security.DefaultYAMLLimits())
}

// NewLoaderWithLimits creates a loader with custom parsing limits.
func NewLoaderWithLimits(fr FileReader, limits security.YAMLLimits) *Loader {
	if fr == nil {
		fr = &OSFileReader{}
	}
	return &Loader{fileReader: fr, yamlParser: security.NewSafeYAMLParser(limits)}
}

// Load reads, parses and validates a config file, then fills defaults
// and environment fallbacks.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := l.fileReader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := l.yamlParser.UnmarshalYAML(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if c.Provider.APIKey == "" {
		c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if c.Session.Redis.Addr == "" {
		c.Session.Redis.Addr = os.Getenv("AGENTMESH_REDIS_ADDR")
	}
	if c.Observability.Port == 0 {
		if port, err := strconv.Atoi(os.Getenv("AGENTMESH_METRICS_PORT")); err == nil {
			c.Observability.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Engine.MaxIterations <= 0 {
		c.Engine.MaxIterations = 10
	}
	if c.Engine.MaxConcurrentSessions <= 0 {
		c.Engine.MaxConcurrentSessions = 4
	}
	if c.Session.Store == "" {
		c.Session.Store = "memory"
	}
	if c.Provider.DefaultModel == "" {
		c.Provider.DefaultModel = "gpt-4o-mini"
	}
}

// Validate checks cross-references the YAML schema cannot express.
func (c *Config) Validate() error {
	if len(c.Actors) == 0 {
		return fmt.Errorf("config: at least one actor is required")
	}
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config: at least one workflow is required")
	}

	actors := make(map[string]bool, len(c.Actors))
	for _, a := range c.Actors {
		if a.ID == "" {
			return fmt.Errorf("config: actor with empty id")
		}
		actors[a.ID] = true
	}

	for _, wf := range c.Workflows {
		if wf.ID == "" {
			return fmt.Errorf("config: workflow with empty id")
		}
		for _, actorID := range wf.Actors {
			if !actors[actorID] {
				return fmt.Errorf("config: workflow %s references unknown actor %s", wf.ID, actorID)
			}
		}
		for _, required := range wf.Completion.RequiredActors {
			if !actors[required] {
				return fmt.Errorf("config: workflow %s requires unknown actor %s", wf.ID, required)
			}
		}
		for _, tr := range wf.Checkpoints {
			switch tr.Point {
			case catalog.TriggerPreWorkflow, catalog.TriggerAfterActor, catalog.TriggerBeforeCompletion:
			default:
				return fmt.Errorf("config: workflow %s checkpoint has unknown point %q", wf.ID, tr.Point)
			}
			if tr.RequiredRole == "" {
				return fmt.Errorf("config: workflow %s checkpoint missing required_role", wf.ID)
			}
		}
	}

	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.Redis.Addr == "" {
			return fmt.Errorf("config: session store redis needs an address")
		}
	default:
		return fmt.Errorf("config: unknown session store %q", c.Session.Store)
	}

	shareSum := c.Context.InputShare + c.Context.OutputsShare + c.Context.ObservationsShare
	if shareSum > 1.0001 {
		return fmt.Errorf("config: context budget shares sum to %.2f, must not exceed 1.0", shareSum)
	}

	return nil
}

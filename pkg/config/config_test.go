package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapReader map[string]string

func (m mapReader) ReadFile(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return []byte(data), nil
}

const fullConfig = `
actors:
  - id: triage
    role: claims triage specialist
    model: gpt-4o-mini
    output_schema:
      severity: string
    required_fields: [severity]
    max_iterations: 6
  - id: assessor
    role: claims assessor
    output_schema:
      verdict: string

capabilities:
  - id: claim_lookup
    description: fetch claim details

workflows:
  - id: claims_review
    actors: [triage, assessor]
    max_iterations: 12
    max_wall_clock: 5m
    token_budget: 20000
    checkpoints:
      - point: after_actor
        actor_id: triage
        condition: severity == high
        required_role: claims_lead
        timeout: 30s
        on_timeout: auto_approve
    completion:
      required_actors: [assessor]
      required_output_fields: [verdict]

policy:
  capability_allow:
    triage: [claim_lookup]
  defaults:
    max_duplicate_invocations: 2

engine:
  max_iterations: 15
  max_concurrent_sessions: 8
  capability_rate: 5

context:
  max_age: 1h
  mask_fields: ["(?i)ssn", "api_key"]
  input_share: 0.3
  outputs_share: 0.5
  observations_share: 0.2

checkpoints:
  admin_roles: [admin]
  delegates:
    claims_lead: [claims_backup]
  sweep_interval: 2s

session:
  store: redis
  redis:
    addr: localhost:6379
    event_ttl: 24h

provider:
  api_key: test-key
  default_model: gpt-4o
`

func TestLoader_FullConfig(t *testing.T) {
	loader := NewLoader(mapReader{"agentmesh.yaml": fullConfig})

	cfg, err := loader.Load("agentmesh.yaml")
	require.NoError(t, err)

	require.Len(t, cfg.Actors, 2)
	assert.Equal(t, "triage", cfg.Actors[0].ID)
	assert.Equal(t, 6, cfg.Actors[0].MaxIterations)
	assert.Equal(t, map[string]string{"severity": "string"}, cfg.Actors[0].OutputSchema)

	require.Len(t, cfg.Workflows, 1)
	wf := cfg.Workflows[0]
	assert.Equal(t, 5*time.Minute, wf.MaxWallClock.Duration)
	require.Len(t, wf.Checkpoints, 1)
	assert.Equal(t, 30*time.Second, wf.Checkpoints[0].Timeout.Duration)
	assert.Equal(t, "claims_lead", wf.Checkpoints[0].RequiredRole)

	assert.Equal(t, []string{"claim_lookup"}, cfg.Policy.CapabilityAllow["triage"])
	assert.Equal(t, 8, cfg.Engine.MaxConcurrentSessions)
	assert.Equal(t, 2*time.Second, cfg.Checkpoints.SweepInterval.Duration)
	assert.Equal(t, "redis", cfg.Session.Store)
	assert.Equal(t, 24*time.Hour, cfg.Session.Redis.EventTTL.Duration)
	assert.Equal(t, "gpt-4o", cfg.Provider.DefaultModel)
}

func TestLoader_Defaults(t *testing.T) {
	minimal := `
actors:
  - id: solo
workflows:
  - id: simple
    actors: [solo]
`
	loader := NewLoader(mapReader{"min.yaml": minimal})
	cfg, err := loader.Load("min.yaml")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Engine.MaxIterations)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentSessions)
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.DefaultModel)
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(mapReader{})
	_, err := loader.Load("absent.yaml")
	assert.ErrorContains(t, err, "read config")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no actors",
			doc:  "workflows:\n  - id: w\n    actors: []\n",
			want: "at least one actor",
		},
		{
			name: "unknown workflow actor",
			doc:  "actors:\n  - id: a\nworkflows:\n  - id: w\n    actors: [ghost]\n",
			want: "unknown actor ghost",
		},
		{
			name: "bad checkpoint point",
			doc: "actors:\n  - id: a\nworkflows:\n  - id: w\n    actors: [a]\n" +
				"    checkpoints:\n      - point: mid_flight\n        required_role: lead\n",
			want: "unknown point",
		},
		{
			name: "checkpoint without role",
			doc: "actors:\n  - id: a\nworkflows:\n  - id: w\n    actors: [a]\n" +
				"    checkpoints:\n      - point: after_actor\n",
			want: "missing required_role",
		},
		{
			name: "redis without addr",
			doc:  "actors:\n  - id: a\nworkflows:\n  - id: w\n    actors: [a]\nsession:\n  store: redis\n",
			want: "needs an address",
		},
		{
			name: "oversubscribed shares",
			doc: "actors:\n  - id: a\nworkflows:\n  - id: w\n    actors: [a]\n" +
				"context:\n  input_share: 0.6\n  outputs_share: 0.6\n",
			want: "budget shares",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(mapReader{"c.yaml": tt.doc})
			_, err := loader.Load("c.yaml")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

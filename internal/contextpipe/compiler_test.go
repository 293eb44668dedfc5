package contextpipe

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svjt78/AgentMesh-sub000/internal/policy"
	"github.com/svjt78/AgentMesh-sub000/pkg/artifact"
	"github.com/svjt78/AgentMesh-sub000/pkg/memory"
	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

func newTestCompiler(t *testing.T, cfg Config, polCfg policy.Config) (*Compiler, *memory.Store, *artifact.Store) {
	t.Helper()
	mem := memory.NewStore(memory.Config{})
	arts := artifact.NewStore()
	c, err := New(cfg, policy.NewEngine(polCfg), mem, arts)
	require.NoError(t, err)
	return c, mem, arts
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestCompile_IdempotentOnIdenticalState(t *testing.T) {
	c, mem, _ := newTestCompiler(t, Config{}, policy.Config{})
	mem.Put(memory.Entry{Content: "fraud review requires claim history"})

	raw := RawState{
		SessionID:     "sess-1",
		OriginalInput: "review claim 42 for fraud indicators",
		PriorOutputs: []PriorOutput{
			{ActorID: "triage", Fields: map[string]any{"severity": "high"}, At: fixedNow().Add(-time.Minute)},
		},
		Observations: []session.Observation{
			{CapabilityID: "claim_lookup", Success: true, Output: map[string]any{"amount": 1200.0}, Timestamp: fixedNow()},
		},
		Now: fixedNow(),
	}

	first, err := c.Compile("fraud_checker", "triage", raw)
	require.NoError(t, err)
	second, err := c.Compile("fraud_checker", "triage", raw)
	require.NoError(t, err)

	assert.Equal(t, first.TokenCount, second.TokenCount)
	assert.Equal(t, first.Lineage, second.Lineage)
	assert.Equal(t, first.Messages, second.Messages)
}

func TestCompile_HandoffScopedFiltersFields(t *testing.T) {
	c, _, _ := newTestCompiler(t, Config{}, policy.Config{
		HandoffRules: []policy.HandoffRule{
			{From: "scorer", To: "reporter", Mode: policy.HandoffScoped, AllowFields: []string{"score", "level"}},
		},
	})

	raw := RawState{
		OriginalInput: "summarize the risk assessment",
		PriorOutputs: []PriorOutput{
			{ActorID: "scorer", Fields: map[string]any{
				"score":          0.82,
				"level":          "high",
				"internal_notes": "model v3 disagreed with v2, kept v3",
			}},
		},
		Now: fixedNow(),
	}

	compiled, err := c.Compile("reporter", "scorer", raw)
	require.NoError(t, err)

	require.Len(t, compiled.PriorOutputs, 1)
	fields := compiled.PriorOutputs[0].Fields
	assert.Contains(t, fields, "score")
	assert.Contains(t, fields, "level")
	assert.NotContains(t, fields, "internal_notes")

	for _, msg := range compiled.Messages {
		assert.NotContains(t, msg.Content, "internal_notes")
		assert.NotContains(t, msg.Content, "disagreed")
	}

	var scoped bool
	for _, le := range compiled.Lineage {
		if le.Stage == "handoff" && le.Action == "scoped" {
			scoped = true
		}
	}
	assert.True(t, scoped, "handoff stage should record the scoping")
}

func TestCompile_HandoffTranslateRenamesFields(t *testing.T) {
	c, _, _ := newTestCompiler(t, Config{}, policy.Config{
		HandoffRules: []policy.HandoffRule{
			{From: "scorer", To: "reporter", Mode: policy.HandoffScoped,
				TranslateFields: map[string]string{"score": "risk_score"}},
		},
	})

	compiled, err := c.Compile("reporter", "scorer", RawState{
		PriorOutputs: []PriorOutput{
			{ActorID: "scorer", Fields: map[string]any{"score": 0.5, "debug": "x"}},
		},
		Now: fixedNow(),
	})
	require.NoError(t, err)

	fields := compiled.PriorOutputs[0].Fields
	assert.Contains(t, fields, "risk_score")
	assert.NotContains(t, fields, "score")
	assert.NotContains(t, fields, "debug")
}

func TestCompile_HandoffMinimalKeepsIdentifiersOnly(t *testing.T) {
	c, _, _ := newTestCompiler(t, Config{}, policy.Config{
		HandoffRules: []policy.HandoffRule{
			{From: "*", To: "*", Mode: policy.HandoffMinimal},
		},
	})

	compiled, err := c.Compile("reporter", "scorer", RawState{
		OriginalInput: "input",
		PriorOutputs: []PriorOutput{
			{ActorID: "scorer", Fields: map[string]any{"score": 0.5}},
		},
		Observations: []session.Observation{
			{CapabilityID: "lookup", Success: true, Output: map[string]any{"x": 1}},
		},
		Now: fixedNow(),
	})
	require.NoError(t, err)

	require.Len(t, compiled.PriorOutputs, 1)
	assert.Equal(t, "scorer", compiled.PriorOutputs[0].ActorID)
	assert.Empty(t, compiled.PriorOutputs[0].Fields)
	assert.Empty(t, compiled.Observations)
}

func TestCompile_SelectorDropsStaleAndMasks(t *testing.T) {
	c, _, _ := newTestCompiler(t, Config{
		MaxAge:            time.Hour,
		MaskFieldPatterns: []string{`(?i)(password|secret|api_key)`},
	}, policy.Config{})

	compiled, err := c.Compile("worker", "", RawState{
		OriginalInput: "do the thing",
		PriorOutputs: []PriorOutput{
			{ActorID: "old", Fields: map[string]any{"v": 1}, At: fixedNow().Add(-2 * time.Hour)},
			{ActorID: "fresh", Fields: map[string]any{"api_key": "sk-live-abc", "v": 2}, At: fixedNow().Add(-time.Minute)},
		},
		Now: fixedNow(),
	})
	require.NoError(t, err)

	require.Len(t, compiled.PriorOutputs, 1)
	assert.Equal(t, "fresh", compiled.PriorOutputs[0].ActorID)
	assert.Equal(t, "[masked]", compiled.PriorOutputs[0].Fields["api_key"])

	for _, msg := range compiled.Messages {
		assert.NotContains(t, msg.Content, "sk-live-abc")
	}
}

func TestCompile_CompactionSummarizesOldEvents(t *testing.T) {
	c, _, _ := newTestCompiler(t, Config{
		CompactionThreshold: 50,
		CompactionKeep:      2,
	}, policy.Config{})

	events := make([]session.Event, 0, 20)
	for i := 0; i < 20; i++ {
		events = append(events, session.Event{
			Type: session.EventIteration,
			Data: map[string]any{"note": fmt.Sprintf("iteration %d produced a fairly long diagnostic line", i)},
		})
	}

	compiled, err := c.Compile("worker", "", RawState{
		OriginalInput: "input",
		Events:        events,
		Now:           fixedNow(),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, compiled.Synopsis)
	assert.Contains(t, compiled.Synopsis, "18 events")

	var compacted bool
	for _, le := range compiled.Lineage {
		if le.Stage == "compaction" {
			compacted = true
			assert.Less(t, le.TokensAfter, le.TokensBefore)
		}
	}
	assert.True(t, compacted)
}

func TestCompile_MemoryRetrievalCappedByLimit(t *testing.T) {
	c, mem, _ := newTestCompiler(t, Config{}, policy.Config{
		LimitOverrides: map[string]policy.Limits{
			"worker": {MaxMemoryResults: 2},
		},
	})
	for i := 0; i < 6; i++ {
		mem.Put(memory.Entry{Content: fmt.Sprintf("claim fraud pattern %d", i)})
	}

	compiled, err := c.Compile("worker", "", RawState{
		MemoryQuery: "claim fraud",
		Now:         fixedNow(),
	})
	require.NoError(t, err)

	assert.Len(t, compiled.Memory, 2)
	var retrieved bool
	for _, le := range compiled.Lineage {
		if le.Stage == "memory" {
			retrieved = true
			assert.Contains(t, le.Detail, "reactive")
			assert.Contains(t, le.Detail, "4 truncated")
		}
	}
	assert.True(t, retrieved)
}

func TestCompile_ProactiveMemoryWhenNoQuery(t *testing.T) {
	c, mem, _ := newTestCompiler(t, Config{}, policy.Config{})
	mem.Put(memory.Entry{Content: "subrogation claims need adjuster review"})

	compiled, err := c.Compile("worker", "", RawState{
		OriginalInput: "handle this subrogation claims case",
		Now:           fixedNow(),
	})
	require.NoError(t, err)

	require.NotEmpty(t, compiled.Memory)
	for _, le := range compiled.Lineage {
		if le.Stage == "memory" {
			assert.Contains(t, le.Detail, "proactive")
		}
	}
}

func TestCompile_ArtifactPreloadScansHandles(t *testing.T) {
	c, _, arts := newTestCompiler(t, Config{}, policy.Config{})
	v, err := arts.Put("report", []byte("quarterly loss summary"), 0)
	require.NoError(t, err)

	compiled, err := c.Compile("worker", "", RawState{
		OriginalInput: "use " + v.Handle() + " as the baseline",
		Preload:       true,
		Now:           fixedNow(),
	})
	require.NoError(t, err)

	require.Len(t, compiled.Artifacts, 1)
	assert.Equal(t, []byte("quarterly loss summary"), compiled.Artifacts[0].Content)
}

func TestCompile_ExplicitArtifactRefsResolved(t *testing.T) {
	c, _, arts := newTestCompiler(t, Config{}, policy.Config{})
	v, err := arts.Put("doc", []byte("policy wording"), 0)
	require.NoError(t, err)

	compiled, err := c.Compile("worker", "", RawState{
		ArtifactRefs: []string{v.Handle(), "artifact://missing/v1"},
		Now:          fixedNow(),
	})
	require.NoError(t, err)

	require.Len(t, compiled.Artifacts, 1)
	assert.Equal(t, "doc", compiled.Artifacts[0].ArtifactID)
}

func TestCompile_BudgetTruncatesKeepingRecent(t *testing.T) {
	c, _, _ := newTestCompiler(t, Config{}, policy.Config{
		LimitOverrides: map[string]policy.Limits{
			"worker": {TokenBudget: 100},
		},
	})

	outputs := make([]PriorOutput, 0, 5)
	for i := 0; i < 5; i++ {
		outputs = append(outputs, PriorOutput{
			ActorID: fmt.Sprintf("actor-%d", i),
			Fields:  map[string]any{"text": strings.Repeat("detail ", 40) + fmt.Sprintf("#%d", i)},
			At:      fixedNow().Add(time.Duration(i) * time.Minute),
		})
	}

	compiled, err := c.Compile("worker", "", RawState{
		OriginalInput: "short input",
		PriorOutputs:  outputs,
		Now:           fixedNow(),
	})
	require.NoError(t, err)

	var budgeted bool
	for _, le := range compiled.Lineage {
		if le.Stage == "budget" {
			budgeted = true
			assert.Less(t, le.TokensAfter, le.TokensBefore)
		}
	}
	assert.True(t, budgeted, "over-budget outputs must be truncated")

	// The newest output survives truncation.
	var sawNewest bool
	for _, msg := range compiled.Messages {
		if strings.Contains(msg.Content, "actor-4") {
			sawNewest = true
		}
	}
	assert.True(t, sawNewest)
	assert.NotContains(t, messagesText(compiled), "actor-0")
}

func TestCompile_BudgetDropsOldestByTimestampNotPosition(t *testing.T) {
	c, _, _ := newTestCompiler(t, Config{}, policy.Config{
		LimitOverrides: map[string]policy.Limits{
			"worker": {TokenBudget: 100},
		},
	})

	// Newest first, so slice position disagrees with the timestamps.
	outputs := make([]PriorOutput, 0, 5)
	for i := 4; i >= 0; i-- {
		outputs = append(outputs, PriorOutput{
			ActorID: fmt.Sprintf("actor-%d", i),
			Fields:  map[string]any{"text": strings.Repeat("detail ", 40) + fmt.Sprintf("#%d", i)},
			At:      fixedNow().Add(time.Duration(i) * time.Minute),
		})
	}

	compiled, err := c.Compile("worker", "", RawState{
		OriginalInput: "short input",
		PriorOutputs:  outputs,
		Now:           fixedNow(),
	})
	require.NoError(t, err)

	text := messagesText(compiled)
	assert.Contains(t, text, "actor-4", "the newest output must survive")
	assert.NotContains(t, text, "actor-0", "the oldest output is dropped first")
}

func TestCompile_WithinBudgetEmitsNoBudgetLineage(t *testing.T) {
	c, _, _ := newTestCompiler(t, Config{}, policy.Config{})

	compiled, err := c.Compile("worker", "", RawState{
		OriginalInput: "tiny",
		Now:           fixedNow(),
	})
	require.NoError(t, err)

	for _, le := range compiled.Lineage {
		assert.NotEqual(t, "budget", le.Stage)
	}
}

func TestCompile_MessageOrdering(t *testing.T) {
	c, mem, _ := newTestCompiler(t, Config{}, policy.Config{})
	mem.Put(memory.Entry{Content: "ordering reference entry"})

	compiled, err := c.Compile("worker", "", RawState{
		OriginalInput: "ordering reference input",
		PriorOutputs: []PriorOutput{
			{ActorID: "a", Fields: map[string]any{"k": "v"}},
		},
		Observations: []session.Observation{
			{CapabilityID: "cap", Success: true, Output: map[string]any{"r": 1}},
		},
		Now: fixedNow(),
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(compiled.Messages), 4)
	assert.Equal(t, "system", compiled.Messages[0].Role)
	assert.Contains(t, compiled.Messages[1].Content, "Task input")
	assert.Contains(t, compiled.Messages[2].Content, "Output from a")
	assert.Contains(t, compiled.Messages[3].Content, "Observation from cap")
}

func messagesText(cc *CompiledContext) string {
	var sb strings.Builder
	for _, msg := range cc.Messages {
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

package contextpipe

import (
	"time"

	"github.com/svjt78/AgentMesh-sub000/pkg/artifact"
	"github.com/svjt78/AgentMesh-sub000/pkg/memory"
	"github.com/svjt78/AgentMesh-sub000/pkg/reasoning"
	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

// Estimator estimates token count for text.
type Estimator interface {
	EstimateTokens(text string) int
}

// SimpleEstimator uses the rough 1 token per 4 characters heuristic.
type SimpleEstimator struct{}

func (SimpleEstimator) EstimateTokens(text string) int {
	return len(text) / 4
}

// PriorOutput is one earlier actor's contribution as seen by the
// compiler, ordered oldest first in RawState.
type PriorOutput struct {
	ActorID string         `json:"actor_id"`
	Fields  map[string]any `json:"fields"`
	At      time.Time      `json:"at"`
}

// RawState is everything the compiler reads for one reasoning call. It
// is assembled by the caller from the session; the compiler never
// mutates it.
type RawState struct {
	SessionID     string
	OriginalInput string
	PriorOutputs  []PriorOutput
	Observations  []session.Observation
	Events        []session.Event

	// MemoryQuery, when set, switches memory retrieval to reactive
	// mode. Empty means proactive (query derived from the state).
	MemoryQuery string

	// ArtifactRefs are handles the caller explicitly wants resolved.
	ArtifactRefs []string
	// Preload additionally scans the state's text for handles.
	Preload bool

	// Now anchors age-based selection. Zero means the compiler's
	// clock; fix it to make repeated compilations comparable.
	Now time.Time
}

// LineageEntry records one stage's mutation of the compiled view.
// Stages that change nothing append nothing.
type LineageEntry struct {
	Stage        string `json:"stage"`
	Action       string `json:"action"`
	Detail       string `json:"detail,omitempty"`
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
}

// CompiledContext is the token-bounded payload for a single reasoning
// call. It is never persisted; the caller discards it after the call.
type CompiledContext struct {
	ActorID       string
	FromActor     string
	OriginalInput string
	PriorOutputs  []PriorOutput
	Observations  []session.Observation
	Synopsis      string
	Memory        []memory.Scored
	Artifacts     []artifact.Version
	Messages      []reasoning.Message
	TokenCount    int
	Lineage       []LineageEntry
}

// bucket names used by budget enforcement and lineage entries.
const (
	bucketInput        = "input"
	bucketOutputs      = "outputs"
	bucketObservations = "observations"
)

// taggedMessage carries the budget bucket a message is charged to,
// built by the transform stage and consumed by budget enforcement and
// injection.
type taggedMessage struct {
	bucket  string
	msg     reasoning.Message
	tokens  int
	orderAt time.Time
}

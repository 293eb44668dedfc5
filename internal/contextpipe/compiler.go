package contextpipe

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/svjt78/AgentMesh-sub000/internal/policy"
	"github.com/svjt78/AgentMesh-sub000/pkg/artifact"
	"github.com/svjt78/AgentMesh-sub000/pkg/memory"
	"github.com/svjt78/AgentMesh-sub000/pkg/reasoning"
	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

const (
	defaultCompactionThreshold = 4000
	defaultCompactionKeep      = 10
)

// Config tunes the static stages of the pipeline.
type Config struct {
	// MaxAge drops prior outputs and observations older than this
	// during selection. Zero disables age filtering.
	MaxAge time.Duration

	// MaskFieldPatterns are regexps matched against prior-output
	// field names; matching fields have their values masked.
	MaskFieldPatterns []string

	// CompactionThreshold is the session-log token count above which
	// older events are folded into a synopsis.
	CompactionThreshold int
	// CompactionKeep is how many recent events stay raw.
	CompactionKeep int

	// Budget shares per bucket. Defaults: 0.30 / 0.50 / 0.20.
	InputShare        float64
	OutputsShare      float64
	ObservationsShare float64
}

// Compiler assembles a token-bounded payload for one reasoning call by
// running raw session state through a fixed pipeline of stages. It is
// stateless between invocations.
type Compiler struct {
	cfg       Config
	policies  *policy.Engine
	memories  *memory.Store
	artifacts *artifact.Store
	estimator Estimator
	maskers   []*regexp.Regexp
	nowFn     func() time.Time
}

// New builds a compiler. The memory and artifact stores may be nil,
// which disables their retrieval stages.
func New(cfg Config, policies *policy.Engine, memories *memory.Store, artifacts *artifact.Store) (*Compiler, error) {
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = defaultCompactionThreshold
	}
	if cfg.CompactionKeep <= 0 {
		cfg.CompactionKeep = defaultCompactionKeep
	}
	if cfg.InputShare <= 0 {
		cfg.InputShare = 0.30
	}
	if cfg.OutputsShare <= 0 {
		cfg.OutputsShare = 0.50
	}
	if cfg.ObservationsShare <= 0 {
		cfg.ObservationsShare = 0.20
	}

	maskers := make([]*regexp.Regexp, 0, len(cfg.MaskFieldPatterns))
	for _, p := range cfg.MaskFieldPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad mask pattern %q: %w", p, err)
		}
		maskers = append(maskers, re)
	}

	return &Compiler{
		cfg:       cfg,
		policies:  policies,
		memories:  memories,
		artifacts: artifacts,
		estimator: SimpleEstimator{},
		maskers:   maskers,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// compilation is the working state threaded through the stages.
type compilation struct {
	raw    RawState
	now    time.Time
	limits policy.Limits
	out    *CompiledContext
	tagged []taggedMessage
}

type stage struct {
	name string
	run  func(*Compiler, *compilation)
}

var pipeline = []stage{
	{"selector", (*Compiler).selectStage},
	{"compaction", (*Compiler).compactStage},
	{"memory", (*Compiler).memoryStage},
	{"artifacts", (*Compiler).artifactStage},
	{"handoff", (*Compiler).handoffStage},
	{"transform", (*Compiler).transformStage},
	{"budget", (*Compiler).budgetStage},
	{"injection", (*Compiler).injectStage},
}

// Compile runs the full pipeline for one reasoning call. fromActor is
// empty unless this call follows another actor's completed work.
// Compiling twice from identical raw state yields identical output.
func (c *Compiler) Compile(actorID, fromActor string, raw RawState) (*CompiledContext, error) {
	now := raw.Now
	if now.IsZero() {
		now = c.nowFn()
	}

	comp := &compilation{
		raw:    raw,
		now:    now,
		limits: c.policies.LimitsFor(actorID),
		out: &CompiledContext{
			ActorID:       actorID,
			FromActor:     fromActor,
			OriginalInput: raw.OriginalInput,
			PriorOutputs:  copyOutputs(raw.PriorOutputs),
			Observations:  append([]session.Observation(nil), raw.Observations...),
		},
	}

	for _, st := range pipeline {
		st.run(c, comp)
	}
	return comp.out, nil
}

func (comp *compilation) addLineage(stageName, action, detail string, before, after int) {
	comp.out.Lineage = append(comp.out.Lineage, LineageEntry{
		Stage:        stageName,
		Action:       action,
		Detail:       detail,
		TokensBefore: before,
		TokensAfter:  after,
	})
}

// Stage 1: drop stale items and mask sensitive fields.
func (c *Compiler) selectStage(comp *compilation) {
	before := c.structuredTokens(comp.out)
	dropped := 0

	if c.cfg.MaxAge > 0 {
		cutoff := comp.now.Add(-c.cfg.MaxAge)

		kept := comp.out.PriorOutputs[:0]
		for _, po := range comp.out.PriorOutputs {
			if po.At.IsZero() || po.At.After(cutoff) {
				kept = append(kept, po)
			} else {
				dropped++
			}
		}
		comp.out.PriorOutputs = kept

		keptObs := comp.out.Observations[:0]
		for _, ob := range comp.out.Observations {
			if ob.Timestamp.IsZero() || ob.Timestamp.After(cutoff) {
				keptObs = append(keptObs, ob)
			} else {
				dropped++
			}
		}
		comp.out.Observations = keptObs
	}

	masked := 0
	if len(c.maskers) > 0 {
		for i := range comp.out.PriorOutputs {
			for field := range comp.out.PriorOutputs[i].Fields {
				if c.fieldMasked(field) {
					comp.out.PriorOutputs[i].Fields[field] = "[masked]"
					masked++
				}
			}
		}
	}

	if dropped == 0 && masked == 0 {
		return
	}
	comp.addLineage("selector", "filtered",
		fmt.Sprintf("dropped %d stale items, masked %d fields", dropped, masked),
		before, c.structuredTokens(comp.out))
}

func (c *Compiler) fieldMasked(field string) bool {
	for _, re := range c.maskers {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

// Stage 2: fold older session events into a synopsis when the log view
// exceeds the token threshold. The durable event log is untouched;
// only this compiled view is compacted.
func (c *Compiler) compactStage(comp *compilation) {
	events := comp.raw.Events
	if len(events) <= c.cfg.CompactionKeep {
		return
	}

	total := 0
	for _, ev := range events {
		total += c.estimator.EstimateTokens(string(ev.Type))
		for k, v := range ev.Data {
			total += c.estimator.EstimateTokens(k + fmt.Sprintf("%v", v))
		}
	}
	if total <= c.cfg.CompactionThreshold {
		return
	}

	older := events[:len(events)-c.cfg.CompactionKeep]
	counts := map[string]int{}
	for _, ev := range older {
		counts[string(ev.Type)]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s x%d", k, counts[k]))
	}

	comp.out.Synopsis = fmt.Sprintf("Earlier session activity (%d events): %s",
		len(older), strings.Join(parts, ", "))
	comp.addLineage("compaction", "compacted",
		fmt.Sprintf("replaced %d events with synopsis, kept last %d raw", len(older), c.cfg.CompactionKeep),
		total, c.estimator.EstimateTokens(comp.out.Synopsis))
}

// Stage 3: memory retrieval, reactive when a query was supplied,
// proactive otherwise. Results past the governance cap are truncated,
// never rejected.
func (c *Compiler) memoryStage(comp *compilation) {
	if c.memories == nil {
		return
	}

	mode := "reactive"
	query := comp.raw.MemoryQuery
	if query == "" {
		mode = "proactive"
		query = c.deriveQuery(comp)
	}
	if strings.TrimSpace(query) == "" {
		return
	}

	results := c.memories.Search(query, 0)
	if len(results) == 0 {
		return
	}

	limit := comp.limits.MaxMemoryResults
	truncated := 0
	if limit > 0 && len(results) > limit {
		truncated = len(results) - limit
		results = results[:limit]
		log.Printf("[CONTEXT] memory retrieval truncated %d results past limit %d for actor %s",
			truncated, limit, comp.out.ActorID)
	}
	comp.out.Memory = results

	tokens := 0
	for _, r := range results {
		tokens += c.estimator.EstimateTokens(r.Entry.Content)
	}
	comp.addLineage("memory", "retrieved",
		fmt.Sprintf("%s retrieval: %d entries kept, %d truncated", mode, len(results), truncated),
		0, tokens)
}

func (c *Compiler) deriveQuery(comp *compilation) string {
	var sb strings.Builder
	sb.WriteString(comp.out.OriginalInput)
	if n := len(comp.out.PriorOutputs); n > 0 {
		last := comp.out.PriorOutputs[n-1]
		for _, k := range sortedKeys(last.Fields) {
			if s, ok := last.Fields[k].(string); ok {
				sb.WriteString(" ")
				sb.WriteString(s)
			}
		}
	}
	return sb.String()
}

// Stage 4: resolve artifact handles, explicit refs first, then (in
// preload mode) handles scanned from the state's text up to the
// governance cap.
func (c *Compiler) artifactStage(comp *compilation) {
	if c.artifacts == nil {
		return
	}

	handles := append([]string(nil), comp.raw.ArtifactRefs...)
	if comp.raw.Preload {
		scanned := artifact.ScanHandles(c.stateText(comp))
		limit := comp.limits.MaxArtifactPreload
		kept := 0
		for _, h := range scanned {
			if containsString(handles, h) {
				continue
			}
			if limit > 0 && kept >= limit {
				log.Printf("[CONTEXT] artifact preload capped at %d for actor %s", limit, comp.out.ActorID)
				break
			}
			handles = append(handles, h)
			kept++
		}
	}
	if len(handles) == 0 {
		return
	}

	tokens := 0
	for _, h := range handles {
		v, err := c.artifacts.Resolve(h)
		if err != nil {
			log.Printf("[CONTEXT] could not resolve %s: %v", h, err)
			continue
		}
		comp.out.Artifacts = append(comp.out.Artifacts, v)
		tokens += c.estimator.EstimateTokens(string(v.Content))
	}
	if len(comp.out.Artifacts) == 0 {
		return
	}
	comp.addLineage("artifacts", "resolved",
		fmt.Sprintf("%d of %d handles resolved", len(comp.out.Artifacts), len(handles)),
		0, tokens)
}

func (c *Compiler) stateText(comp *compilation) string {
	var sb strings.Builder
	sb.WriteString(comp.out.OriginalInput)
	for _, po := range comp.out.PriorOutputs {
		for _, k := range sortedKeys(po.Fields) {
			if s, ok := po.Fields[k].(string); ok {
				sb.WriteString("\n")
				sb.WriteString(s)
			}
		}
	}
	for _, ob := range comp.out.Observations {
		for _, k := range sortedKeys(ob.Output) {
			if s, ok := ob.Output[k].(string); ok {
				sb.WriteString("\n")
				sb.WriteString(s)
			}
		}
	}
	return sb.String()
}

// Stage 5: scope the context to what the handoff rule between the
// prior actor and this one allows.
func (c *Compiler) handoffStage(comp *compilation) {
	if comp.out.FromActor == "" || c.policies == nil {
		return
	}

	rule := c.policies.ResolveHandoff(comp.out.FromActor, comp.out.ActorID)
	before := c.structuredTokens(comp.out)

	switch rule.Mode {
	case policy.HandoffScoped:
		allowed := map[string]string{}
		for _, f := range rule.AllowFields {
			allowed[f] = f
		}
		for src, dst := range rule.TranslateFields {
			allowed[src] = dst
		}
		removed := 0
		for i := range comp.out.PriorOutputs {
			scoped := map[string]any{}
			for field, value := range comp.out.PriorOutputs[i].Fields {
				if dst, ok := allowed[field]; ok {
					scoped[dst] = value
				} else {
					removed++
				}
			}
			comp.out.PriorOutputs[i].Fields = scoped
		}
		if removed == 0 {
			return
		}
		comp.addLineage("handoff", "scoped",
			fmt.Sprintf("rule %s->%s kept %d fields, removed %d", rule.From, rule.To, len(allowed), removed),
			before, c.structuredTokens(comp.out))

	case policy.HandoffMinimal:
		for i := range comp.out.PriorOutputs {
			comp.out.PriorOutputs[i].Fields = nil
		}
		comp.out.Observations = nil
		comp.out.Memory = nil
		comp.out.Artifacts = nil
		comp.addLineage("handoff", "minimal",
			fmt.Sprintf("rule %s->%s kept trigger identifiers only", rule.From, rule.To),
			before, c.structuredTokens(comp.out))

	default:
		// Full handoff passes everything through unchanged.
	}
}

// Stage 6: shape the filtered structure into provider messages, each
// tagged with the budget bucket it is charged to.
func (c *Compiler) transformStage(comp *compilation) {
	comp.tagged = comp.tagged[:0]

	if preamble := c.buildPreamble(comp); preamble != "" {
		comp.tagged = append(comp.tagged, taggedMessage{
			msg:    reasoning.Message{Role: reasoning.RoleSystem, Content: preamble},
			tokens: c.estimator.EstimateTokens(preamble),
		})
	}

	if comp.out.OriginalInput != "" {
		content := "Task input:\n" + comp.out.OriginalInput
		comp.tagged = append(comp.tagged, taggedMessage{
			bucket: bucketInput,
			msg:    reasoning.Message{Role: reasoning.RoleUser, Content: content},
			tokens: c.estimator.EstimateTokens(content),
		})
	}

	for _, po := range comp.out.PriorOutputs {
		content := fmt.Sprintf("Output from %s:\n%s", po.ActorID, marshalFields(po.Fields))
		comp.tagged = append(comp.tagged, taggedMessage{
			bucket:  bucketOutputs,
			msg:     reasoning.Message{Role: reasoning.RoleAssistant, Content: content},
			tokens:  c.estimator.EstimateTokens(content),
			orderAt: po.At,
		})
	}

	for _, ob := range comp.out.Observations {
		status := "ok"
		if !ob.Success {
			status = "error: " + ob.Error
		}
		content := fmt.Sprintf("Observation from %s (%s):\n%s", ob.CapabilityID, status, marshalFields(ob.Output))
		comp.tagged = append(comp.tagged, taggedMessage{
			bucket:  bucketObservations,
			msg:     reasoning.Message{Role: reasoning.RoleUser, Content: content},
			tokens:  c.estimator.EstimateTokens(content),
			orderAt: ob.Timestamp,
		})
	}

	if len(comp.tagged) == 0 {
		return
	}
	comp.addLineage("transform", "shaped",
		fmt.Sprintf("%d messages", len(comp.tagged)),
		0, tagTotal(comp.tagged))
}

func (c *Compiler) buildPreamble(comp *compilation) string {
	var sb strings.Builder
	if comp.out.Synopsis != "" {
		sb.WriteString(comp.out.Synopsis)
		sb.WriteString("\n")
	}
	if len(comp.out.Memory) > 0 {
		sb.WriteString("Relevant memory:\n")
		for _, r := range comp.out.Memory {
			fmt.Fprintf(&sb, "- %s\n", r.Entry.Content)
		}
	}
	if len(comp.out.Artifacts) > 0 {
		sb.WriteString("Artifacts:\n")
		for _, v := range comp.out.Artifacts {
			fmt.Fprintf(&sb, "- %s:\n%s\n", v.Handle(), string(v.Content))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Stage 7: enforce the actor's token budget across the three buckets,
// dropping the oldest items in an over-budget bucket first.
func (c *Compiler) budgetStage(comp *compilation) {
	budget := comp.limits.TokenBudget
	if budget <= 0 || len(comp.tagged) == 0 {
		return
	}

	shares := map[string]float64{
		bucketInput:        c.cfg.InputShare,
		bucketOutputs:      c.cfg.OutputsShare,
		bucketObservations: c.cfg.ObservationsShare,
	}

	before := tagTotal(comp.tagged)
	changed := false
	for _, bucket := range []string{bucketInput, bucketOutputs, bucketObservations} {
		allowance := int(float64(budget) * shares[bucket])
		if c.enforceBucket(comp, bucket, allowance) {
			changed = true
		}
	}
	if !changed {
		return
	}
	comp.addLineage("budget", "truncated",
		fmt.Sprintf("budget %d over buckets %.0f/%.0f/%.0f%%",
			budget, c.cfg.InputShare*100, c.cfg.OutputsShare*100, c.cfg.ObservationsShare*100),
		before, tagTotal(comp.tagged))
}

func (c *Compiler) enforceBucket(comp *compilation, bucket string, allowance int) bool {
	used := 0
	idx := []int{}
	for i, tm := range comp.tagged {
		if tm.bucket == bucket {
			used += tm.tokens
			idx = append(idx, i)
		}
	}
	if used <= allowance || len(idx) == 0 {
		return false
	}

	// Oldest by timestamp, not by slice position; unstamped items
	// keep their insertion order.
	sort.SliceStable(idx, func(a, b int) bool {
		return comp.tagged[idx[a]].orderAt.Before(comp.tagged[idx[b]].orderAt)
	})

	// Drop whole items oldest-first while more than one remains.
	drop := map[int]bool{}
	for _, i := range idx[:len(idx)-1] {
		if used <= allowance {
			break
		}
		drop[i] = true
		used -= comp.tagged[i].tokens
	}

	kept := comp.tagged[:0]
	for i, tm := range comp.tagged {
		if !drop[i] {
			kept = append(kept, tm)
		}
	}
	comp.tagged = kept

	// Truncate the survivors' text if the bucket is still over.
	if used > allowance {
		for i := range comp.tagged {
			if comp.tagged[i].bucket != bucket {
				continue
			}
			over := used - allowance
			target := comp.tagged[i].tokens - over
			if target < 0 {
				target = 0
			}
			truncated := truncateText(comp.tagged[i].msg.Content, target*4)
			used -= comp.tagged[i].tokens
			comp.tagged[i].msg.Content = truncated
			comp.tagged[i].tokens = c.estimator.EstimateTokens(truncated)
			used += comp.tagged[i].tokens
			if used <= allowance {
				break
			}
		}
	}

	// Keep the structured view consistent with the message view.
	if bucket == bucketInput {
		for _, tm := range comp.tagged {
			if tm.bucket == bucketInput {
				comp.out.OriginalInput = strings.TrimPrefix(tm.msg.Content, "Task input:\n")
			}
		}
	}
	return true
}

// Stage 8: final ordering and token accounting.
func (c *Compiler) injectStage(comp *compilation) {
	ordered := make([]taggedMessage, 0, len(comp.tagged))
	for _, want := range []string{"", bucketInput, bucketOutputs, bucketObservations} {
		for _, tm := range comp.tagged {
			if tm.bucket == want {
				ordered = append(ordered, tm)
			}
		}
	}

	total := 0
	comp.out.Messages = make([]reasoning.Message, 0, len(ordered))
	for _, tm := range ordered {
		comp.out.Messages = append(comp.out.Messages, tm.msg)
		total += tm.tokens
	}
	comp.out.TokenCount = total
	if len(ordered) == 0 {
		return
	}
	comp.addLineage("injection", "assembled",
		fmt.Sprintf("%d messages", len(ordered)),
		total, total)
}

// structuredTokens estimates the current structured view's size, used
// for before/after lineage accounting in the early stages.
func (c *Compiler) structuredTokens(cc *CompiledContext) int {
	total := c.estimator.EstimateTokens(cc.OriginalInput)
	for _, po := range cc.PriorOutputs {
		total += c.estimator.EstimateTokens(marshalFields(po.Fields))
	}
	for _, ob := range cc.Observations {
		total += c.estimator.EstimateTokens(marshalFields(ob.Output))
	}
	return total
}

func tagTotal(tagged []taggedMessage) int {
	total := 0
	for _, tm := range tagged {
		total += tm.tokens
	}
	return total
}

func truncateText(content string, maxChars int) string {
	if len(content) <= maxChars {
		return content
	}
	if maxChars <= 0 {
		return ""
	}
	truncated := content[:maxChars]
	if cut := strings.LastIndex(truncated, " "); cut > maxChars/2 {
		truncated = truncated[:cut]
	}
	return truncated + "... [truncated]"
}

// marshalFields renders a field map deterministically; encoding/json
// sorts map keys, which keeps repeated compilations identical.
func marshalFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "{}"
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("%v", fields)
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyOutputs(outputs []PriorOutput) []PriorOutput {
	copied := make([]PriorOutput, len(outputs))
	for i, po := range outputs {
		fields := make(map[string]any, len(po.Fields))
		for k, v := range po.Fields {
			fields[k] = v
		}
		copied[i] = PriorOutput{ActorID: po.ActorID, Fields: fields, At: po.At}
	}
	return copied
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

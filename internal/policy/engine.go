package policy

import "fmt"

// Engine evaluates invocation, capability and handoff rules. It is a
// pure function of (actor, target, current counters, rule set) and is
// safe for concurrent use without locking: the rule set never mutates
// after construction.
type Engine struct {
	invocationRules []InvocationRule
	capabilityAllow map[string][]string
	handoffRules    []HandoffRule
	limitOverrides  map[string]Limits
	defaults        Limits
}

// Config assembles an Engine's rule set.
type Config struct {
	InvocationRules []InvocationRule
	// CapabilityAllow maps an actor id (or "*") to the capability ids
	// (or "*") it may invoke. An actor absent from the map may invoke
	// nothing.
	CapabilityAllow map[string][]string
	HandoffRules    []HandoffRule
	LimitOverrides  map[string]Limits
	Defaults        Limits
}

// DefaultLimits are applied where neither config nor per-actor
// overrides say otherwise.
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:           10,
		MaxDuplicateInvocations: 2,
		TokenBudget:             8000,
		MaxMemoryResults:        5,
		MaxArtifactPreload:      5,
	}
}

// NewEngine builds an immutable policy engine from config.
func NewEngine(cfg Config) *Engine {
	defaults := cfg.Defaults
	base := DefaultLimits()
	if defaults.MaxIterations <= 0 {
		defaults.MaxIterations = base.MaxIterations
	}
	if defaults.MaxDuplicateInvocations <= 0 {
		defaults.MaxDuplicateInvocations = base.MaxDuplicateInvocations
	}
	if defaults.TokenBudget <= 0 {
		defaults.TokenBudget = base.TokenBudget
	}
	if defaults.MaxMemoryResults <= 0 {
		defaults.MaxMemoryResults = base.MaxMemoryResults
	}
	if defaults.MaxArtifactPreload <= 0 {
		defaults.MaxArtifactPreload = base.MaxArtifactPreload
	}

	capAllow := make(map[string][]string, len(cfg.CapabilityAllow))
	for actor, caps := range cfg.CapabilityAllow {
		capAllow[actor] = append([]string(nil), caps...)
	}

	overrides := make(map[string]Limits, len(cfg.LimitOverrides))
	for actor, l := range cfg.LimitOverrides {
		overrides[actor] = l
	}

	return &Engine{
		invocationRules: append([]InvocationRule(nil), cfg.InvocationRules...),
		capabilityAllow: capAllow,
		handoffRules:    append([]HandoffRule(nil), cfg.HandoffRules...),
		limitOverrides:  overrides,
		defaults:        defaults,
	}
}

// CheckInvocation decides whether `actor` may invoke `target` given the
// session's per-actor invocation counters. A nil return means allowed.
func (e *Engine) CheckInvocation(actor, target string, invocations map[string]int) *Violation {
	// Highest-specificity rule wins; ties resolve to first declared.
	best := -1
	var effect Effect = Allow
	for _, r := range e.invocationRules {
		if !patternMatches(r.Actor, actor) || !patternMatches(r.Target, target) {
			continue
		}
		if s := specificity(r.Actor, r.Target); s > best {
			best = s
			effect = r.Effect
		}
	}
	if best >= 0 && effect == Deny {
		return &Violation{
			Kind:   ViolationInvocation,
			Actor:  actor,
			Target: target,
			Reason: "invocation denied by rule",
		}
	}

	limits := e.LimitsFor(target)
	if limits.MaxDuplicateInvocations > 0 && invocations[target] >= limits.MaxDuplicateInvocations {
		return &Violation{
			Kind:   ViolationDuplicate,
			Actor:  actor,
			Target: target,
			Reason: fmt.Sprintf("actor invoked %d times, limit %d", invocations[target], limits.MaxDuplicateInvocations),
		}
	}

	return nil
}

// CheckCapability decides whether `actor` may invoke `capability`.
// A nil return means allowed.
func (e *Engine) CheckCapability(actor, capability string) *Violation {
	for _, key := range []string{actor, Wildcard} {
		for _, allowed := range e.capabilityAllow[key] {
			if patternMatches(allowed, capability) {
				return nil
			}
		}
	}
	return &Violation{
		Kind:   ViolationCapability,
		Actor:  actor,
		Target: capability,
		Reason: "capability not in actor allowlist",
	}
}

// ResolveHandoff picks the most specific handoff rule for a (from, to)
// actor pair. Exact-pair rules beat single-wildcard rules, which beat
// the fully-wildcard default; ties resolve to the rule declared first.
// With no matching rule the handoff is full (no filtering).
func (e *Engine) ResolveHandoff(from, to string) HandoffRule {
	best := -1
	rule := HandoffRule{From: Wildcard, To: Wildcard, Mode: HandoffFull}
	for _, r := range e.handoffRules {
		if !patternMatches(r.From, from) || !patternMatches(r.To, to) {
			continue
		}
		if s := specificity(r.From, r.To); s > best {
			best = s
			rule = r
		}
	}
	return rule
}

// LimitsFor returns the effective limits for an actor: per-actor
// overrides where set, engine defaults otherwise.
func (e *Engine) LimitsFor(actor string) Limits {
	limits := e.defaults
	o, ok := e.limitOverrides[actor]
	if !ok {
		return limits
	}
	if o.MaxIterations > 0 {
		limits.MaxIterations = o.MaxIterations
	}
	if o.MaxDuplicateInvocations > 0 {
		limits.MaxDuplicateInvocations = o.MaxDuplicateInvocations
	}
	if o.TokenBudget > 0 {
		limits.TokenBudget = o.TokenBudget
	}
	if o.IterationTimeout > 0 {
		limits.IterationTimeout = o.IterationTimeout
	}
	if o.MaxMemoryResults > 0 {
		limits.MaxMemoryResults = o.MaxMemoryResults
	}
	if o.MaxArtifactPreload > 0 {
		limits.MaxArtifactPreload = o.MaxArtifactPreload
	}
	return limits
}

// Package guardrails implements the rule-engine dispatch the stream
// pipeline invokes before executing a tool call. Concrete rule libraries
// (the actual pattern/path/resource matchers) are an external concern,
// supplied by callers through the narrow Rule interface; this package only
// owns evaluation order, aggregation, and the composite-rule combinator.
//
// Evaluation runs every applicable rule, merges the verdicts, and lets a
// single block win.
package guardrails

import "context"

// Kind classifies a Rule for logging/metrics; it has no effect on
// evaluation order.
type Kind string

const (
	KindPattern   Kind = "pattern"
	KindPath      Kind = "path"
	KindResource  Kind = "resource"
	KindContext   Kind = "context"
	KindComposite Kind = "composite"
)

// Request is what a rule evaluates against.
type Request struct {
	ToolName      string
	ToolArguments map[string]any
	SessionState  map[string]any
}

// Outcome is one rule's verdict.
type Outcome struct {
	Triggered bool
	Blocked   bool
	Warning   string
	Reason    string
}

// Rule is implemented by concrete guardrail checks. The engine never
// inspects how a rule decides; it only aggregates outcomes.
type Rule interface {
	Name() string
	Kind() Kind
	Evaluate(ctx context.Context, req Request) (Outcome, error)
}

// Result is the aggregated verdict the stream pipeline acts on.
type Result struct {
	Blocked   bool
	Reason    string
	Warnings  []string
	Triggered []string
}

// Engine evaluates every registered rule against a request.
type Engine struct {
	rules []Rule
}

// NewEngine constructs an engine over the given rules. Evaluation order
// follows registration order; the first rule to block wins (remaining
// rules still run, so their warnings are not lost, but the returned
// Reason is the first blocking rule's).
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Add registers an additional rule, e.g. one loaded from project config
// after the engine was constructed.
func (e *Engine) Add(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Evaluate runs every rule and aggregates the result.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Result, error) {
	var result Result
	for _, rule := range e.rules {
		outcome, err := rule.Evaluate(ctx, req)
		if err != nil {
			return Result{}, err
		}
		if !outcome.Triggered {
			continue
		}
		result.Triggered = append(result.Triggered, rule.Name())
		if outcome.Warning != "" {
			result.Warnings = append(result.Warnings, outcome.Warning)
		}
		if outcome.Blocked && !result.Blocked {
			result.Blocked = true
			result.Reason = outcome.Reason
		}
	}
	return result, nil
}

// CompositeRule combines sub-rules with an all-of/any-of combinator. This
// is dispatch logic, not a concrete matcher, so it lives in the engine
// rather than counting as an out-of-scope rule library.
type CompositeRule struct {
	name    string
	subs    []Rule
	matchAll bool
}

// NewAllOfRule blocks only when every sub-rule triggers and at least one
// blocks.
func NewAllOfRule(name string, subs ...Rule) *CompositeRule {
	return &CompositeRule{name: name, subs: subs, matchAll: true}
}

// NewAnyOfRule triggers/blocks as soon as any sub-rule does.
func NewAnyOfRule(name string, subs ...Rule) *CompositeRule {
	return &CompositeRule{name: name, subs: subs, matchAll: false}
}

func (c *CompositeRule) Name() string { return c.name }
func (c *CompositeRule) Kind() Kind   { return KindComposite }

func (c *CompositeRule) Evaluate(ctx context.Context, req Request) (Outcome, error) {
	var warnings []string
	triggeredCount := 0
	anyBlocked := false
	for _, sub := range c.subs {
		outcome, err := sub.Evaluate(ctx, req)
		if err != nil {
			return Outcome{}, err
		}
		if outcome.Triggered {
			triggeredCount++
			if outcome.Warning != "" {
				warnings = append(warnings, outcome.Warning)
			}
			if outcome.Blocked {
				anyBlocked = true
				if !c.matchAll {
					return Outcome{Triggered: true, Blocked: true, Reason: outcome.Reason, Warning: joinWarnings(warnings)}, nil
				}
			}
		} else if c.matchAll {
			return Outcome{}, nil
		}
	}
	if triggeredCount == 0 {
		return Outcome{}, nil
	}
	if c.matchAll && anyBlocked {
		return Outcome{Triggered: true, Blocked: true, Reason: c.name + ": all conditions met", Warning: joinWarnings(warnings)}, nil
	}
	return Outcome{Triggered: true, Warning: joinWarnings(warnings)}, nil
}

func joinWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return ""
	}
	if len(warnings) == 1 {
		return warnings[0]
	}
	out := warnings[0]
	for _, w := range warnings[1:] {
		out += "; " + w
	}
	return out
}

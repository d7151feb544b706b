package guardrails

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRule struct {
	name    string
	kind    Kind
	outcome Outcome
}

func (f fixedRule) Name() string { return f.name }
func (f fixedRule) Kind() Kind   { return f.kind }
func (f fixedRule) Evaluate(context.Context, Request) (Outcome, error) {
	return f.outcome, nil
}

func TestEvaluateAggregatesWarningsWithoutBlocking(t *testing.T) {
	e := NewEngine(
		fixedRule{name: "r1", kind: KindPattern, outcome: Outcome{Triggered: true, Warning: "looks risky"}},
		fixedRule{name: "r2", kind: KindPath, outcome: Outcome{}},
	)
	result, err := e.Evaluate(context.Background(), Request{ToolName: "bash"})
	require.NoError(t, err)
	assert.False(t, result.Blocked)
	assert.Equal(t, []string{"r1"}, result.Triggered)
	assert.Equal(t, []string{"looks risky"}, result.Warnings)
}

func TestEvaluateFirstBlockWinsReasonButRunsAllRules(t *testing.T) {
	e := NewEngine(
		fixedRule{name: "first", kind: KindResource, outcome: Outcome{Triggered: true, Blocked: true, Reason: "resource limit"}},
		fixedRule{name: "second", kind: KindContext, outcome: Outcome{Triggered: true, Blocked: true, Reason: "context limit"}},
	)
	result, err := e.Evaluate(context.Background(), Request{ToolName: "write_file"})
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, "resource limit", result.Reason)
	assert.Equal(t, []string{"first", "second"}, result.Triggered)
}

func TestAllOfCompositeRequiresEveryTriggerAndOneBlock(t *testing.T) {
	sub1 := fixedRule{name: "a", outcome: Outcome{Triggered: true}}
	sub2 := fixedRule{name: "b", outcome: Outcome{Triggered: true, Blocked: true, Reason: "inner"}}
	composite := NewAllOfRule("combo", sub1, sub2)

	outcome, err := composite.Evaluate(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, outcome.Blocked)
}

func TestAllOfCompositeDoesNotTriggerIfAnySubDoesNot(t *testing.T) {
	sub1 := fixedRule{name: "a", outcome: Outcome{Triggered: false}}
	sub2 := fixedRule{name: "b", outcome: Outcome{Triggered: true, Blocked: true}}
	composite := NewAllOfRule("combo", sub1, sub2)

	outcome, err := composite.Evaluate(context.Background(), Request{})
	require.NoError(t, err)
	assert.False(t, outcome.Triggered)
	assert.False(t, outcome.Blocked)
}

func TestAnyOfCompositeBlocksOnFirstBlockingSub(t *testing.T) {
	sub1 := fixedRule{name: "a", outcome: Outcome{Triggered: true, Blocked: true, Reason: "a blocked"}}
	sub2 := fixedRule{name: "b", outcome: Outcome{Triggered: false}}
	composite := NewAnyOfRule("combo", sub1, sub2)

	outcome, err := composite.Evaluate(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, outcome.Blocked)
	assert.Equal(t, "a blocked", outcome.Reason)
}

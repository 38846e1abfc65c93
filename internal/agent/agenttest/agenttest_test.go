package agenttest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/featurefactory/internal/agent"
)

func drain(ch <-chan agent.Message) []agent.Message {
	var out []agent.Message
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestRunnerPlaysScript(t *testing.T) {
	r := &Runner{Scripts: []Script{{Steps: []Step{
		Say("starting"),
		Tokens(5, 2),
		CallReturning("Bash", map[string]string{"command": "ls"}, "a.go", false),
	}}}}

	var posted []agent.ToolResult
	ch, err := r.Run(context.Background(), agent.Request{Prompt: "p"}, agent.Hooks{
		PostToolUse: func(_ context.Context, _ agent.Call, res agent.ToolResult) { posted = append(posted, res) },
	})
	require.NoError(t, err)
	msgs := drain(ch)

	kinds := make([]agent.Kind, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Kind
	}
	assert.Equal(t, []agent.Kind{
		agent.KindAssistant, agent.KindUsage, agent.KindAssistant,
		agent.KindToolUse, agent.KindToolResult, agent.KindResult,
	}, kinds)
	assert.Equal(t, 2, msgs[len(msgs)-1].Turns)
	require.Len(t, posted, 1)
	assert.Equal(t, "a.go", posted[0].Output)
	assert.Len(t, r.Requests(), 1)
}

func TestRunnerRespectsDecisions(t *testing.T) {
	r := &Runner{Scripts: []Script{{Steps: []Step{
		Call("log_progress", map[string]string{"message": "hi"}),
		Call("Bash", nil),
		Say("never reached"),
	}}}}

	hooks := agent.Hooks{PreToolUse: func(_ context.Context, c agent.Call) agent.Decision {
		if c.Name == "log_progress" {
			return agent.RespondCall("logged", false)
		}
		return agent.DenyCall("aborted", true)
	}}
	ch, err := r.Run(context.Background(), agent.Request{}, hooks)
	require.NoError(t, err)
	msgs := drain(ch)

	var results []string
	for _, m := range msgs {
		if m.Kind == agent.KindToolResult {
			results = append(results, m.Result.Output)
		}
	}
	assert.Equal(t, []string{"logged", "aborted"}, results)
	last := msgs[len(msgs)-1]
	assert.Equal(t, agent.KindResult, last.Kind)
	assert.Equal(t, agent.SubtypeStopped, last.Subtype)
}

func TestRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{Scripts: []Script{{Steps: []Step{Do(cancel), Say("late")}}}}

	ch, err := r.Run(ctx, agent.Request{}, agent.Hooks{})
	require.NoError(t, err)
	msgs := drain(ch)
	for _, m := range msgs {
		assert.NotEqual(t, "late", m.Text)
	}
}

package tutor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/synapse-tutor/internal/domain"
)

var sampleTranscript = domain.Transcript{
	{Role: domain.RoleUser, Content: "hi"},
	{Role: domain.RoleAssistant, Content: "hello! what shall we learn?"},
	{Role: domain.RoleUser, Content: "loops"},
}

func TestComposeWithoutContext(t *testing.T) {
	t.Parallel()

	c := NewPromptComposer(DefaultPolicy())
	out := c.Compose(nil, sampleTranscript)

	require.Len(t, out, len(sampleTranscript)+1)
	assert.Equal(t, domain.RoleSystem, out[0].Role)
	assert.Equal(t, DefaultSystemPrompt, out[0].Content)
	assert.Equal(t, []domain.Message(sampleTranscript), out[1:])
}

func TestComposeAppendsContextSummary(t *testing.T) {
	t.Parallel()

	last := time.Date(2026, 5, 4, 9, 7, 0, 0, time.UTC)
	struggling := "recursion"
	lc := &domain.LearningContext{
		TopicsLearned:  []string{"loops", "functions"},
		StrugglingWith: &struggling,
		LastSession:    &last,
		TotalMessages:  2,
	}

	c := NewPromptComposer(DefaultPolicy())
	out := c.Compose(lc, sampleTranscript)

	require.Len(t, out, len(sampleTranscript)+1)
	system := out[0].Content
	assert.True(t, strings.HasPrefix(system, DefaultSystemPrompt))
	assert.Contains(t, system, DefaultContextHeading)
	assert.Contains(t, system, "- Topics covered: loops, functions\n")
	assert.Contains(t, system, "- Currently struggling with: recursion\n")
	assert.Contains(t, system, "- Last session: 2026-05-04 09:07\n")
	assert.Equal(t, []domain.Message(sampleTranscript), out[1:], "transcript order must be preserved")
}

func TestComposeOmitsAbsentFields(t *testing.T) {
	t.Parallel()

	last := time.Now()
	lc := &domain.LearningContext{TopicsLearned: []string{}, LastSession: &last, TotalMessages: 1}

	system := NewPromptComposer(DefaultPolicy()).Compose(lc, nil)[0].Content
	assert.NotContains(t, system, "Topics covered")
	assert.NotContains(t, system, "struggling")
	assert.Contains(t, system, "Last session")
}

func TestComposeDoesNotMutatePolicyOrTranscript(t *testing.T) {
	t.Parallel()

	c := NewPromptComposer(DefaultPolicy())
	lc := &domain.LearningContext{TopicsLearned: []string{"OOP"}, TotalMessages: 1}
	transcript := append(domain.Transcript{}, sampleTranscript...)

	first := c.Compose(lc, transcript)
	second := c.Compose(nil, transcript)

	assert.NotEqual(t, first[0].Content, second[0].Content)
	assert.Equal(t, DefaultSystemPrompt, c.Policy().SystemPrompt)
	assert.Equal(t, sampleTranscript, transcript)

	first[1].Content = "changed"
	assert.Equal(t, "hi", transcript[0].Content, "composed prompt must not alias the transcript")
}

func TestComposeEmptyTranscript(t *testing.T) {
	t.Parallel()

	out := NewPromptComposer(DefaultPolicy()).Compose(nil, nil)
	require.Len(t, out, 1)
	assert.Equal(t, domain.RoleSystem, out[0].Role)
}

func TestNewPromptComposerFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	c := NewPromptComposer(Policy{SystemPrompt: "Custom tutor."})
	p := c.Policy()
	assert.Equal(t, "Custom tutor.", p.SystemPrompt)
	assert.Equal(t, DefaultContextHeading, p.ContextHeading)
	assert.Equal(t, "home-tutor", p.Name)

	c = NewPromptComposer(Policy{})
	assert.Equal(t, DefaultSystemPrompt, c.Policy().SystemPrompt)
}

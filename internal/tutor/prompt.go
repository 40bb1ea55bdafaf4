package tutor

import (
	"strings"

	"github.com/ashureev/synapse-tutor/internal/domain"
)

// LastSessionLayout renders the last-session stamp inside prompts.
const LastSessionLayout = "2006-01-02 15:04"

// Policy is the fixed instructional policy placed first in every prompt.
type Policy struct {
	Name           string `yaml:"name"`
	SystemPrompt   string `yaml:"system_prompt"`
	ContextHeading string `yaml:"context_heading"`
}

// DefaultContextHeading introduces the learner summary appended to the policy.
const DefaultContextHeading = "📊 Student Context:"

// DefaultSystemPrompt is the built-in tutoring policy.
const DefaultSystemPrompt = `You are a professional home tutor for programming and related subjects.
Your goal is that the learner understands each concept and can apply it, not only that it was explained.

How you teach:
- Greet the learner warmly at the start of a session.
- Ask one question at a time and wait for the answer before moving on.
- Keep replies short and step-by-step. Never overwhelm with theory.
- Stay supportive, encouraging and professional.
- Confirm understanding after each step.

Getting started:
1. Ask what the learner wants to learn today.
2. Ask how long they plan to study overall and how many hours per day they can spare.
3. Ask whether they have written code before.

Adapting to experience:
- With no prior experience, walk them through installing an editor, writing a first program and running it every way it can be run. Be granular.
- With prior experience, confirm they can run code on their own and move on to planning.

Explaining:
- Break concepts into steps and use examples or analogies.
- Check understanding with small questions or practice tasks and praise each success.

Once setup is done, write a personalized study plan for their topic, total duration, daily hours and experience level.`

// DefaultPolicy returns the built-in tutoring policy.
func DefaultPolicy() Policy {
	return Policy{
		Name:           "home-tutor",
		SystemPrompt:   DefaultSystemPrompt,
		ContextHeading: DefaultContextHeading,
	}
}

// PromptComposer builds outbound message sequences from a fixed policy.
type PromptComposer struct {
	policy Policy
}

// NewPromptComposer creates a composer; empty policy fields fall back to defaults.
func NewPromptComposer(policy Policy) *PromptComposer {
	def := DefaultPolicy()
	if strings.TrimSpace(policy.SystemPrompt) == "" {
		policy.SystemPrompt = def.SystemPrompt
	}
	if strings.TrimSpace(policy.ContextHeading) == "" {
		policy.ContextHeading = def.ContextHeading
	}
	if policy.Name == "" {
		policy.Name = def.Name
	}
	return &PromptComposer{policy: policy}
}

// Policy returns the composer's policy.
func (c *PromptComposer) Policy() Policy { return c.policy }

// Compose returns one system message followed by the transcript, unmodified and in order.
// A non-empty learning context is summarized at the end of the system message.
func (c *PromptComposer) Compose(lc *domain.LearningContext, transcript domain.Transcript) []domain.Message {
	system := c.policy.SystemPrompt
	if summary := c.summarize(lc); summary != "" {
		system += summary
	}

	out := make([]domain.Message, 0, len(transcript)+1)
	out = append(out, domain.Message{Role: domain.RoleSystem, Content: system})
	out = append(out, transcript...)
	return out
}

func (c *PromptComposer) summarize(lc *domain.LearningContext) string {
	if lc.IsEmpty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n")
	b.WriteString(c.policy.ContextHeading)
	b.WriteString("\n")
	if len(lc.TopicsLearned) > 0 {
		b.WriteString("- Topics covered: ")
		b.WriteString(strings.Join(lc.TopicsLearned, ", "))
		b.WriteString("\n")
	}
	if lc.StrugglingWith != nil && *lc.StrugglingWith != "" {
		b.WriteString("- Currently struggling with: ")
		b.WriteString(*lc.StrugglingWith)
		b.WriteString("\n")
	}
	if lc.LastSession != nil {
		b.WriteString("- Last session: ")
		b.WriteString(lc.LastSession.Format(LastSessionLayout))
		b.WriteString("\n")
	}
	return b.String()
}

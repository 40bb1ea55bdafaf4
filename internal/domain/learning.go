package domain

import (
	"slices"
	"time"
)

// LearningContext is the accumulated per-user learning state.
type LearningContext struct {
	TopicsLearned  []string   `json:"topicsLearned"`
	StrugglingWith *string    `json:"strugglingWith"`
	LastSession    *time.Time `json:"lastSession"`
	TotalMessages  int        `json:"totalMessages"`
}

// NewLearningContext returns a zero-valued record.
func NewLearningContext() *LearningContext {
	return &LearningContext{TopicsLearned: []string{}}
}

// HasTopic reports whether topic was already recorded.
func (c *LearningContext) HasTopic(topic string) bool {
	return slices.Contains(c.TopicsLearned, topic)
}

// AddTopics appends topics not yet present, keeping first-appearance order.
// Returns the topics that were actually added.
func (c *LearningContext) AddTopics(topics ...string) []string {
	var added []string
	for _, t := range topics {
		if c.HasTopic(t) {
			continue
		}
		c.TopicsLearned = append(c.TopicsLearned, t)
		added = append(added, t)
	}
	return added
}

// IsEmpty reports whether nothing has been recorded yet.
func (c *LearningContext) IsEmpty() bool {
	return c == nil ||
		(len(c.TopicsLearned) == 0 && c.StrugglingWith == nil && c.LastSession == nil && c.TotalMessages == 0)
}

// Clone returns a deep copy so callers can read state outside the store's lock.
func (c *LearningContext) Clone() *LearningContext {
	if c == nil {
		return nil
	}
	out := &LearningContext{
		TopicsLearned: append([]string{}, c.TopicsLearned...),
		TotalMessages: c.TotalMessages,
	}
	if c.StrugglingWith != nil {
		s := *c.StrugglingWith
		out.StrugglingWith = &s
	}
	if c.LastSession != nil {
		ts := *c.LastSession
		out.LastSession = &ts
	}
	return out
}

package tutor

import (
	"time"

	"github.com/ashureev/synapse-tutor/internal/domain"
)

// ContextUpdater folds a processed transcript into a learning context.
type ContextUpdater struct {
	extractor *TopicExtractor
	now       func() time.Time
}

// NewContextUpdater creates an updater. A nil clock uses time.Now.
func NewContextUpdater(extractor *TopicExtractor, now func() time.Time) *ContextUpdater {
	if extractor == nil {
		extractor = NewTopicExtractor(nil)
	}
	if now == nil {
		now = time.Now
	}
	return &ContextUpdater{extractor: extractor, now: now}
}

// Apply counts the request, stamps the session time and records topics found in
// the latest user utterance. It returns the newly added topics.
func (u *ContextUpdater) Apply(lc *domain.LearningContext, transcript domain.Transcript) []string {
	lc.TotalMessages++
	ts := u.now()
	lc.LastSession = &ts

	topics := u.extractor.Extract(transcript.LastUserUtterance())
	return lc.AddTopics(topics...)
}

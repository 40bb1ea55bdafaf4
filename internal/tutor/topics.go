// Package tutor joins learning context, prompt composition and inference
// into the chat request lifecycle.
package tutor

import "strings"

// TopicRule maps trigger substrings to a topic tag.
type TopicRule struct {
	Topic    string
	Triggers []string
}

// DefaultVocabulary is the fixed topic vocabulary. Matching is a plain
// case-insensitive substring test, so "class" inside unrelated prose still counts.
var DefaultVocabulary = []TopicRule{
	{Topic: "loops", Triggers: []string{"loop", "for", "while"}},
	{Topic: "functions", Triggers: []string{"function", "def", "return"}},
	{Topic: "OOP", Triggers: []string{"class", "object", "oop"}},
}

// TopicExtractor tags utterances with topics from a vocabulary.
type TopicExtractor struct {
	rules []TopicRule
}

// NewTopicExtractor creates an extractor; a nil vocabulary selects DefaultVocabulary.
func NewTopicExtractor(vocabulary []TopicRule) *TopicExtractor {
	if vocabulary == nil {
		vocabulary = DefaultVocabulary
	}
	return &TopicExtractor{rules: vocabulary}
}

// Extract returns every topic whose triggers occur in utterance, in vocabulary order.
func (e *TopicExtractor) Extract(utterance string) []string {
	text := strings.ToLower(utterance)
	if text == "" {
		return nil
	}
	var topics []string
	for _, rule := range e.rules {
		for _, trigger := range rule.Triggers {
			if strings.Contains(text, trigger) {
				topics = append(topics, rule.Topic)
				break
			}
		}
	}
	return topics
}

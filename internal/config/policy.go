package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/synapse-tutor/internal/tutor"
)

// LoadPolicy returns the tutoring policy. An empty path yields the built-in
// policy; fields missing from the file keep their defaults.
func LoadPolicy(path string) (tutor.Policy, error) {
	policy := tutor.DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tutor.Policy{}, fmt.Errorf("read policy file: %w", err)
	}

	var fromFile tutor.Policy
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return tutor.Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if fromFile.Name != "" {
		policy.Name = fromFile.Name
	}
	if fromFile.SystemPrompt != "" {
		policy.SystemPrompt = fromFile.SystemPrompt
	}
	if fromFile.ContextHeading != "" {
		policy.ContextHeading = fromFile.ContextHeading
	}
	return policy, nil
}

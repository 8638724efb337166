// Package envelope defines the wire types for task routing between agents:
// canonical topics, the v1/v2 task envelope, status and error payloads, and
// the depth computation used by the pipeline's depth guard.
//
// Called by: transport, pipeline, router, orchestrator.
package envelope

import (
	"fmt"
	"regexp"
	"strings"
)

// InputTopic returns the canonical inbound-task topic for an agent.
func InputTopic(agentID string) string {
	return Canonicalize(fmt.Sprintf("/control/agents/%s/input", agentID))
}

// StatusTopic returns the canonical retained-status topic for an agent.
func StatusTopic(agentID string) string {
	return Canonicalize(fmt.Sprintf("/control/agents/%s/status", agentID))
}

// StatusPattern is the subscription pattern a v2 agent uses to populate its registry.
const StatusPattern = "/control/agents/+/status"

// ConversationTopic returns the canonical topic for final outputs/errors of a conversation.
func ConversationTopic(conversationID, agentID string) string {
	return Canonicalize(fmt.Sprintf("/conversations/%s/%s", conversationID, agentID))
}

// Canonicalize normalizes a topic to a single leading slash, no trailing
// slash, and no consecutive slashes. It is idempotent:
// Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(topic string) string {
	segments := splitNonEmpty(topic)
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}

func splitNonEmpty(topic string) []string {
	parts := strings.Split(topic, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TopicMatches reports whether a canonical topic matches a subscription
// pattern that may use a single-level "+" wildcard per segment.
func TopicMatches(topic, pattern string) bool {
	topicParts := splitNonEmpty(topic)
	patternParts := splitNonEmpty(pattern)
	if len(topicParts) != len(patternParts) {
		return false
	}
	for i := range topicParts {
		if patternParts[i] == "+" {
			continue
		}
		if patternParts[i] != topicParts[i] {
			return false
		}
	}
	return true
}

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateAgentID rejects ids that are empty or contain characters outside
// [a-zA-Z0-9._-].
func ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("agent id %q contains characters outside [a-zA-Z0-9._-]", id)
	}
	return nil
}

// Package dispatch matches inbound broker messages against the
// configured topic rules and invokes the bound actions.
package dispatch

import (
	"fmt"
	"strings"
)

// Rule binds a topic pattern to a named action. Patterns use MQTT
// multi-level wildcard semantics: a trailing "#" segment matches zero
// or more remaining segments, and a bare "#" matches any topic.
type Rule struct {
	Pattern string
	Action  string

	segments []string
	wildcard bool
}

// ParseRule parses one "pattern:action" config entry. The separator is
// the last colon, so patterns containing colons still parse.
func ParseRule(spec string) (Rule, error) {
	idx := strings.LastIndexByte(spec, ':')
	if idx < 0 {
		return Rule{}, fmt.Errorf("malformed rule %q (expected pattern:action)", spec)
	}

	pattern := strings.TrimSpace(spec[:idx])
	action := strings.TrimSpace(spec[idx+1:])
	if pattern == "" || action == "" {
		return Rule{}, fmt.Errorf("malformed rule %q (empty pattern or action)", spec)
	}

	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if seg == "#" && i != len(segments)-1 {
			return Rule{}, fmt.Errorf("invalid pattern %q: # must be the last segment", pattern)
		}
	}

	wildcard := segments[len(segments)-1] == "#"
	if wildcard {
		segments = segments[:len(segments)-1]
	}

	return Rule{
		Pattern:  pattern,
		Action:   action,
		segments: segments,
		wildcard: wildcard,
	}, nil
}

// ParseRules parses the ordered rule list. Declaration order defines
// match priority: the first matching rule wins.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		rule, err := ParseRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Matches reports whether the concrete topic matches the rule's
// pattern. Segments are compared one by one; the trailing wildcard
// absorbs whatever remains, including nothing.
func (r Rule) Matches(topic string) bool {
	topicSegs := strings.Split(topic, "/")

	if len(topicSegs) < len(r.segments) {
		return false
	}
	if !r.wildcard && len(topicSegs) != len(r.segments) {
		return false
	}

	for i, seg := range r.segments {
		if topicSegs[i] != seg {
			return false
		}
	}
	return true
}

// Patterns returns every rule's pattern, for subscribing.
func Patterns(rules []Rule) []string {
	patterns := make([]string, 0, len(rules))
	for _, r := range rules {
		patterns = append(patterns, r.Pattern)
	}
	return patterns
}

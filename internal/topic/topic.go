// Package topic implements MQTT topic name and topic filter rules.
package topic

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyTopic         = errors.New("topic cannot be empty")
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

const (
	Separator           = "/"
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
)

// ValidateTopic checks a topic name used in PUBLISH. Topic names never
// contain wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(topic) || strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks a subscription filter. A wildcard must occupy a whole
// level and '#' may only be the last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, Separator)
	for i, level := range levels {
		if strings.Contains(level, SingleLevelWildcard) && level != SingleLevelWildcard {
			return ErrInvalidTopicFilter
		}
		if strings.Contains(level, MultiLevelWildcard) {
			if level != MultiLevelWildcard || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
	}
	return nil
}

// Matches reports whether topic matches filter. '+' matches exactly one
// level, a trailing '#' matches the parent level and any number of levels
// below it. Topics starting with '$' are not matched by a leading wildcard.
// Malformed filters never match.
func Matches(filter, topic string) bool {
	if topic == "" || ValidateFilter(filter) != nil {
		return false
	}
	if strings.HasPrefix(topic, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	filterLevels := strings.Split(filter, Separator)
	topicLevels := strings.Split(topic, Separator)

	for i, level := range filterLevels {
		if level == MultiLevelWildcard {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != SingleLevelWildcard && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

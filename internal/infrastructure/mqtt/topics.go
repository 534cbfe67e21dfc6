package mqtt

import (
	"fmt"
	"strings"
)

// ValidateFilter checks a subscription filter: non-empty, + only as a whole
// level, # only as the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: %q has # before the last level", ErrInvalidTopic, filter)
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: %q has a wildcard inside a level", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// Match reports whether topic matches filter under MQTT wildcard rules.
//
// Example:
//
//	mqtt.Match("graylogic/command/denon/+", "graylogic/command/denon/living") // true
//	mqtt.Match("graylogic/#", "graylogic")                                   // true
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

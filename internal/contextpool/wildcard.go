package contextpool

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matchesTool reports whether toolName is permitted by one of patterns.
// A pattern of "*" allows everything; doublestar handles the rest
// (including "window.*"-style namespace wildcards), adapted from the
// teacher's internal/agent.matchWildcard — simplified to doublestar's
// own matcher throughout rather than hand-rolling prefix/suffix special
// cases, since doublestar already handles those correctly.
func matchesTool(patterns []string, toolName string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if pattern == "*" {
			return true
		}
		if !strings.Contains(pattern, "*") {
			if pattern == toolName {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(pattern, toolName); ok {
			return true
		}
	}
	return false
}

package contextpool

import "strings"

// defaultTitle is the placeholder title every monitor starts with.
const defaultTitle = "New Monitor"

// titleMaxLength bounds a derived title the way the teacher's
// ensureTitle truncates a generated one.
const titleMaxLength = 60

// isDefaultTitle reports whether title still needs deriving, mirroring
// the teacher's title.go isDefaultTitle guard (only replace the
// placeholder once, on the first user message).
func isDefaultTitle(title string) bool {
	return title == "" || title == defaultTitle
}

// deriveTitle produces a short title from a monitor's first user
// message. Grounded on internal/session/title.go's ensureTitle (there,
// userContent is sent to the model with a dedicated title-generation
// prompt); simplified here to a first-line heuristic on that same
// input, since spending a limiter slot on a second round-trip purely
// for display metadata isn't worth it for the broker.
func deriveTitle(userContent string) string {
	for _, line := range strings.Split(userContent, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r := []rune(line)
		if len(r) > titleMaxLength {
			return string(r[:titleMaxLength-1]) + "…"
		}
		return line
	}
	return defaultTitle
}

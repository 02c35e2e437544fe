// Package reloadcache implements the per-session Reload Cache: a store
// of (fingerprint -> recorded action sequence) entries with similarity
// lookup, letting the Context Pool short-circuit a turn that closely
// resembles one it has already run.
//
// Grounded on the teacher's internal/session/compact.go for the general
// shape of "summarize recent state into a small comparable key", and on
// internal/storage for the on-disk JSON persistence idiom.
package reloadcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"github.com/deskagent/broker/pkg/types"
)

// Normalize trims, collapses interior whitespace, and lower-cases
// content, matching spec.md §4.6's fingerprint construction exactly.
func Normalize(content string) string {
	fields := strings.FieldsFunc(content, unicode.IsSpace)
	return strings.ToLower(strings.Join(fields, " "))
}

// Trigrams returns the multiset (counted) of character trigrams of s.
// Strings shorter than 3 runes yield a single trigram of the whole
// string so very short prompts still produce a comparable fingerprint.
func Trigrams(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int)
	if len(runes) == 0 {
		return out
	}
	if len(runes) < 3 {
		out[string(runes)]++
		return out
	}
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])]++
	}
	return out
}

// WindowHash is a stable digest over (id, renderer, truncated-title)
// triples of every open window, sorted by id, restricted to the fields
// that could plausibly affect a model's output.
func WindowHash(windows []types.Window) string {
	sorted := append([]types.Window(nil), windows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, w := range sorted {
		title := w.Title
		if len(title) > 40 {
			title = title[:40]
		}
		h.Write([]byte(w.ID))
		h.Write([]byte{0})
		h.Write([]byte(w.Content.Renderer))
		h.Write([]byte{0})
		h.Write([]byte(title))
		h.Write([]byte{0x1e}) // record separator
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Compute builds a Fingerprint from a prompt's content and the session's
// current window-state snapshot.
func Compute(content string, windows []types.Window) types.Fingerprint {
	normalized := Normalize(content)
	return types.Fingerprint{
		ContentHash: contentHash(normalized),
		Trigrams:    Trigrams(normalized),
		WindowHash:  WindowHash(windows),
	}
}

func contentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Similarity scores two fingerprints per spec.md §4.6:
// 0.7*jaccard(trigrams) + 0.3*(1 if windowHash equal else 0).
func Similarity(a, b types.Fingerprint) float64 {
	contentSim := jaccard(a.Trigrams, b.Trigrams)
	windowSim := 0.0
	if a.WindowHash == b.WindowHash {
		windowSim = 1.0
	}
	return 0.7*contentSim + 0.3*windowSim
}

// jaccard computes |A∩B| / |A∪B| over the unique trigram keysets (set
// Jaccard, not multiset) as spec.md specifies "unique trigrams".
func jaccard(a, b map[string]int) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}

	union := len(a)
	for k := range b {
		if _, ok := a[k]; !ok {
			union++
		}
	}

	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// IsExact reports whether two fingerprints score a perfect match.
func IsExact(a, b types.Fingerprint) bool {
	return Similarity(a, b) >= 1.0
}

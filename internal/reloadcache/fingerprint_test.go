package reloadcache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deskagent/broker/pkg/types"
)

func TestNormalizeCollapsesWhitespaceAndLowercases(t *testing.T) {
	assert.Equal(t, "open the browser", Normalize("  Open   the\nBrowser  "))
}

func TestSimilarityOfIdenticalFingerprintsIsOne(t *testing.T) {
	fp := Compute("open the browser to example.com", nil)
	assert.InDelta(t, 1.0, Similarity(fp, fp), 1e-9)
	assert.True(t, IsExact(fp, fp))
}

func TestSimilarityOfUnrelatedContentIsLow(t *testing.T) {
	a := Compute("open the browser to example.com", []types.Window{{ID: "w1", Content: types.WindowContent{Renderer: "iframe"}}})
	b := Compute("play a game of chess against the computer", []types.Window{{ID: "w2", Content: types.WindowContent{Renderer: "canvas"}}})
	assert.Less(t, Similarity(a, b), 0.5)
}

func TestSimilarityIsSymmetric(t *testing.T) {
	a := Compute("build a todo app with react", nil)
	b := Compute("build a todo list app using react", nil)
	assert.InDelta(t, Similarity(a, b), Similarity(b, a), 1e-9)
}

func TestSimilarityIsBounded(t *testing.T) {
	a := Compute("a short prompt", []types.Window{{ID: "w1", Content: types.WindowContent{Renderer: "iframe"}}})
	b := Compute("a completely different prompt entirely", nil)
	score := Similarity(a, b)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestWindowHashStableUnderWindowOrder(t *testing.T) {
	w1 := types.Window{ID: "a", Title: "First", Content: types.WindowContent{Renderer: "iframe"}}
	w2 := types.Window{ID: "b", Title: "Second", Content: types.WindowContent{Renderer: "editor"}}

	h1 := WindowHash([]types.Window{w1, w2})
	h2 := WindowHash([]types.Window{w2, w1})
	assert.Equal(t, h1, h2)
}

func TestWindowHashChangesWithTitle(t *testing.T) {
	w1 := types.Window{ID: "a", Title: "First", Content: types.WindowContent{Renderer: "iframe"}}
	w2 := w1
	w2.Title = "Renamed"

	assert.NotEqual(t, WindowHash([]types.Window{w1}), WindowHash([]types.Window{w2}))
}

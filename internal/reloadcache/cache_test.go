package reloadcache

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskagent/broker/internal/action"
)

func TestRecordThenFindMatchesReturnsExactEntry(t *testing.T) {
	c := New("session-1", 10, nil, zerolog.Nop())

	fp := Compute("open the browser", nil)
	entry := c.Record(fp, []action.Action{&action.WindowCreate{WindowID: "w1"}}, "open browser", nil, 1000)
	require.NotNil(t, entry)

	matches := c.FindMatches(fp, DefaultLimit)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].IsExact)
	assert.Equal(t, entry.ID, matches[0].Entry.ID)
}

func TestRecordCoalescesExactFingerprintIntoExistingEntry(t *testing.T) {
	c := New("session-1", 10, nil, zerolog.Nop())

	fp := Compute("open the browser", nil)
	first := c.Record(fp, []action.Action{&action.WindowCreate{WindowID: "w1"}}, "open browser", nil, 1000)
	second := c.Record(fp, []action.Action{&action.WindowCreate{WindowID: "w1"}, &action.WindowSetTitle{WindowID: "w1", Title: "x"}}, "open browser", nil, 2000)

	assert.Equal(t, first.ID, second.ID)

	matches := c.FindMatches(fp, DefaultLimit)
	require.Len(t, matches, 1)
	assert.Len(t, matches[0].Entry.Actions, 2)
}

func TestFindMatchesExcludesBelowFloor(t *testing.T) {
	c := New("session-1", 10, nil, zerolog.Nop())
	c.Record(Compute("open the browser to example dot com", nil), nil, "browse", nil, 1000)

	unrelated := Compute("launch a completely unrelated spreadsheet application", nil)
	matches := c.FindMatches(unrelated, DefaultLimit)
	assert.Empty(t, matches)
}

func TestInvalidateWindowDropsEntriesRequiringIt(t *testing.T) {
	c := New("session-1", 10, nil, zerolog.Nop())
	fp := Compute("open the browser", nil)
	c.Record(fp, nil, "browse", []string{"w1"}, 1000)

	c.InvalidateWindow("w1")

	matches := c.FindMatches(fp, DefaultLimit)
	assert.Empty(t, matches)
}

func TestEvictionDropsLeastRecentlyHitEntryWhenFull(t *testing.T) {
	c := New("session-1", 2, nil, zerolog.Nop())

	fpA := Compute("task alpha", nil)
	fpB := Compute("task beta", nil)
	fpC := Compute("task gamma", nil)

	entryA := c.Record(fpA, nil, "alpha", nil, 1000)
	c.Record(fpB, nil, "beta", nil, 2000)
	c.Touch(entryA.ID, 5000) // keep A fresher than B
	c.Record(fpC, nil, "gamma", nil, 3000)

	matches := c.FindMatches(fpB, DefaultLimit)
	assert.Empty(t, matches, "least-recently-hit entry B should have been evicted")
}

func TestLabelTruncatedTo50Runes(t *testing.T) {
	c := New("session-1", 10, nil, zerolog.Nop())
	long := "this label is deliberately written to exceed the fifty rune cap by a wide margin"
	entry := c.Record(Compute("x", nil), nil, long, nil, 1000)
	assert.LessOrEqual(t, len([]rune(entry.Label)), 50)
}

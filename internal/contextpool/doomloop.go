package contextpool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// doomLoopThreshold is how many identical tool_use calls in a row from
// the same agent are treated as a stuck loop.
const doomLoopThreshold = 3

// doomLoopHistoryCap bounds memory per agent regardless of turn length.
const doomLoopHistoryCap = 10

// doomLoopDetector flags an agent repeating the same tool call,
// adapted from the teacher's internal/permission.DoomLoopDetector
// (there keyed by session id over bash commands; here keyed by agent
// instance id over any tool_use action, since the broker's tool
// surface is the OS Action union rather than a shell).
type doomLoopDetector struct {
	mu      sync.Mutex
	history map[string][]string
}

func newDoomLoopDetector() *doomLoopDetector {
	return &doomLoopDetector{history: make(map[string][]string)}
}

// Check records toolName/input against agentID's history and reports
// whether the last doomLoopThreshold calls (including this one) are
// identical.
func (d *doomLoopDetector) Check(agentID, toolName string, input any) bool {
	hash := hashCall(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := append(d.history[agentID], hash)
	if len(history) > doomLoopHistoryCap {
		history = history[len(history)-doomLoopHistoryCap:]
	}
	d.history[agentID] = history

	if len(history) < doomLoopThreshold {
		return false
	}
	tail := history[len(history)-doomLoopThreshold:]
	for _, h := range tail {
		if h != hash {
			return false
		}
	}
	return true
}

// Clear drops an agent's history, called when the agent is disposed.
func (d *doomLoopDetector) Clear(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, agentID)
}

func hashCall(toolName string, input any) string {
	data, _ := json.Marshal(map[string]any{"tool": toolName, "input": input})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

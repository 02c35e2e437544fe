// Package windowstate implements the Window State Registry: the
// per-session authoritative model of currently open windows, mutated
// only by applying OS actions in their emitted order.
//
// Grounded on the teacher's session apply patterns (internal/session
// mutated a Session's message/part list strictly through an Apply-style
// path keyed by message id) — here the key is a window id instead of a
// message id, and the applied values are internal/action's tagged
// union rather than the teacher's Part union.
package windowstate

import (
	"sort"
	"sync"
	"time"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/pkg/types"
)

// CloseListener is notified after a window is removed from the
// registry. The Context Pool wires this to the session's Reload Cache
// so that entries requiring the closed window can be invalidated
// (spec.md §4.6).
type CloseListener func(windowID string)

// Registry is the per-session window map.
type Registry struct {
	mu       sync.RWMutex
	windows  map[string]*types.Window
	onClose  []CloseListener
	nowFn    func() int64
}

// New creates an empty registry for one session.
func New() *Registry {
	return &Registry{
		windows: make(map[string]*types.Window),
		nowFn:   func() int64 { return time.Now().UnixMilli() },
	}
}

// OnClose registers a listener invoked after any window is closed.
func (r *Registry) OnClose(fn CloseListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, fn)
}

// Get returns a copy of the window record, if open.
func (r *Registry) Get(windowID string) (types.Window, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[windowID]
	if !ok {
		return types.Window{}, false
	}
	return *w, true
}

// Snapshot returns copies of every currently open window, sorted by id
// so callers (fingerprinting, debug endpoints) get a stable order.
func (r *Registry) Snapshot() []types.Window {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Window, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply mutates the registry according to one OS action. It is the only
// entry point that changes window state; callers must invoke it in the
// order actions were emitted.
func (r *Registry) Apply(a action.Action) {
	r.mu.Lock()
	closedID := r.applyLocked(a)
	listeners := append([]CloseListener(nil), r.onClose...)
	r.mu.Unlock()

	if closedID != "" {
		for _, fn := range listeners {
			fn(closedID)
		}
	}
}

// applyLocked returns the id of a window that was closed by this
// action, or "" if none was.
func (r *Registry) applyLocked(a action.Action) string {
	now := r.nowFn()

	switch act := a.(type) {
	case *action.WindowCreate:
		w := &types.Window{
			ID:          act.WindowID,
			Title:       act.Title,
			Content:     types.WindowContent{Renderer: act.Renderer, Data: act.Data},
			AppProtocol: act.AppProtocol,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if act.Bounds != nil {
			w.Bounds = types.WindowBounds{X: act.Bounds.X, Y: act.Bounds.Y, Width: act.Bounds.Width, Height: act.Bounds.Height}
		}
		r.windows[w.ID] = w

	case *action.WindowClose:
		if _, ok := r.windows[act.WindowID]; ok {
			delete(r.windows, act.WindowID)
			return act.WindowID
		}

	case *action.WindowSetTitle:
		if w, ok := r.windows[act.WindowID]; ok {
			w.Title = act.Title
			w.UpdatedAt = now
		}

	case *action.WindowSetContent:
		if w, ok := r.windows[act.WindowID]; ok {
			w.Content = types.WindowContent{Renderer: act.Renderer, Data: act.Data}
			w.UpdatedAt = now
		}

	case *action.WindowUpdateContent:
		if w, ok := r.windows[act.WindowID]; ok {
			applyUpdateOp(w, act)
			w.UpdatedAt = now
		}

	case *action.WindowMove:
		if w, ok := r.windows[act.WindowID]; ok {
			w.Bounds.X = act.X
			w.Bounds.Y = act.Y
			w.UpdatedAt = now
		}

	case *action.WindowResize:
		if w, ok := r.windows[act.WindowID]; ok {
			w.Bounds.Width = act.Width
			w.Bounds.Height = act.Height
			w.UpdatedAt = now
		}

	case *action.WindowLock:
		if w, ok := r.windows[act.WindowID]; ok {
			w.Locked = true
			w.LockedBy = act.LockedBy
			w.UpdatedAt = now
		}

	case *action.WindowUnlock:
		if w, ok := r.windows[act.WindowID]; ok {
			w.Locked = false
			w.LockedBy = ""
			w.UpdatedAt = now
		}
	}

	return ""
}

// applyUpdateOp mutates w.Content.Data according to act.Op. Data is
// treated as opaque to the registry beyond the operations themselves;
// replace/clear are unconditional. append/prepend on a string (text
// renderer) data value concatenate; append/prepend/insertAt on a slice
// (list/table renderer shape) splice the slice. Any other existing
// shape falls back to replace so a malformed op never panics.
func applyUpdateOp(w *types.Window, act *action.WindowUpdateContent) {
	switch act.Op {
	case action.OpReplace:
		w.Content.Data = act.Data
		return
	case action.OpClear:
		w.Content.Data = nil
		return
	}

	// Text renderers carry Content.Data as a plain string rather than the
	// []any shape the rest of this function assumes; append/prepend on a
	// string renderer means true concatenation, not replace, so that
	// append(a) then append(b) equals a single replace with prior+a+b.
	if existingText, ok := w.Content.Data.(string); ok {
		if text, ok := act.Data.(string); ok {
			switch act.Op {
			case action.OpAppend:
				w.Content.Data = existingText + text
				return
			case action.OpPrepend:
				w.Content.Data = text + existingText
				return
			}
		}
	}

	existing, ok := w.Content.Data.([]any)
	if !ok {
		w.Content.Data = act.Data
		return
	}

	switch act.Op {
	case action.OpAppend:
		w.Content.Data = append(existing, act.Data)
	case action.OpPrepend:
		w.Content.Data = append([]any{act.Data}, existing...)
	case action.OpInsertAt:
		pos := len(existing)
		if act.Position != nil {
			pos = *act.Position
			if pos < 0 {
				pos = 0
			}
			if pos > len(existing) {
				pos = len(existing)
			}
		}
		out := make([]any, 0, len(existing)+1)
		out = append(out, existing[:pos]...)
		out = append(out, act.Data)
		out = append(out, existing[pos:]...)
		w.Content.Data = out
	default:
		w.Content.Data = act.Data
	}
}

package contextpool

import (
	"fmt"
	"strings"

	"github.com/deskagent/broker/internal/action"
)

// summarizeActions joins a deterministic, human-readable description of
// each action. Used both as a reload-cache entry label and as a
// dispatched task's summary (spec.md §4.6 record(), §4.7 step 5).
func summarizeActions(actions []action.Action) string {
	if len(actions) == 0 {
		return "no actions"
	}
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, describeAction(a))
	}
	return strings.Join(parts, "; ")
}

func describeAction(a action.Action) string {
	switch act := a.(type) {
	case *action.WindowCreate:
		return fmt.Sprintf("created window %s (%q)", act.WindowID, act.Title)
	case *action.WindowClose:
		return fmt.Sprintf("closed window %s", act.WindowID)
	case *action.WindowSetTitle:
		return fmt.Sprintf("retitled window %s to %q", act.WindowID, act.Title)
	case *action.WindowSetContent:
		return fmt.Sprintf("set content of window %s", act.WindowID)
	case *action.WindowUpdateContent:
		return fmt.Sprintf("%s content of window %s", act.Op, act.WindowID)
	case *action.WindowMove:
		return fmt.Sprintf("moved window %s", act.WindowID)
	case *action.WindowResize:
		return fmt.Sprintf("resized window %s", act.WindowID)
	case *action.WindowLock:
		return fmt.Sprintf("locked window %s", act.WindowID)
	case *action.WindowUnlock:
		return fmt.Sprintf("unlocked window %s", act.WindowID)
	case *action.NotificationShow:
		return fmt.Sprintf("showed notification %q", act.Title)
	case *action.ToastShow:
		return fmt.Sprintf("showed toast %q", act.Message)
	case *action.DialogConfirm:
		return fmt.Sprintf("requested confirmation %q", act.Title)
	case *action.DesktopCreateShortcut:
		return fmt.Sprintf("created shortcut %q", act.Label)
	default:
		return string(a.ActionType())
	}
}

// windowIDOf extracts the window an action targets, or "" if it isn't
// window-scoped.
func windowIDOf(a action.Action) string {
	switch act := a.(type) {
	case *action.WindowCreate:
		return act.WindowID
	case *action.WindowClose:
		return act.WindowID
	case *action.WindowSetTitle:
		return act.WindowID
	case *action.WindowSetContent:
		return act.WindowID
	case *action.WindowUpdateContent:
		return act.WindowID
	case *action.WindowMove:
		return act.WindowID
	case *action.WindowResize:
		return act.WindowID
	case *action.WindowLock:
		return act.WindowID
	case *action.WindowUnlock:
		return act.WindowID
	default:
		return ""
	}
}

// requiredWindowIDs collects the distinct windows a recorded action
// sequence touches, used as a cache entry's requiredWindowIds so it is
// invalidated if any of them later closes.
func requiredWindowIDs(actions []action.Action) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, a := range actions {
		id := windowIDOf(a)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

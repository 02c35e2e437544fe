package agentsession

import (
	"encoding/json"

	"github.com/deskagent/broker/internal/action"
	"github.com/deskagent/broker/internal/broadcast"
)

// makeBridge returns the subscriber registered on the Action Emitter
// for the duration of one turn (spec.md §4.4 step 3). It filters,
// records, rewrites, and routes each envelope; it must never block,
// since Emit delivers to every subscriber synchronously.
func (s *Session) makeBridge(opts HandleOptions, buffer *actionBuffer) action.Subscriber {
	return func(env action.Envelope) {
		if env.AgentID != "" && env.AgentID != s.InstanceID {
			return
		}
		if env.MonitorID != "" && opts.MonitorID != "" && env.MonitorID != opts.MonitorID {
			return
		}

		buffer.add(env.Action)

		if s.windowReg != nil {
			s.windowReg.Apply(env.Action)
		}

		if dialog, ok := env.Action.(*action.DialogConfirm); ok && dialog.PermissionOptions != nil {
			s.publish(opts, broadcast.EventApprovalRequest, broadcast.ApprovalRequestPayload{
				DialogID:          dialog.DialogID,
				Title:             dialog.Title,
				Message:           dialog.Message,
				ConfirmText:       dialog.ConfirmText,
				CancelText:        dialog.CancelText,
				PermissionOptions: dialog.PermissionOptions,
				AgentID:           s.role,
			})
			return
		}

		raw, err := action.Marshal(env.Action)
		if err != nil {
			s.log.Warn().Err(err).Msg("bridge: failed to marshal action")
			return
		}
		s.publish(opts, broadcast.EventActions, broadcast.ActionsPayload{
			Actions:   []json.RawMessage{raw},
			AgentID:   s.role,
			MonitorID: opts.MonitorID,
		})
	}
}

// Package action defines the OS Action tagged union and the process-wide
// Action Emitter bus that tool invocations publish actions onto.
package action

import "encoding/json"

// Type identifies one member of the OS Action tagged union. The set is
// open: new renderer- or tool-specific action types can be added without
// changing the Action interface.
type Type string

const (
	TypeWindowCreate           Type = "window.create"
	TypeWindowClose            Type = "window.close"
	TypeWindowSetTitle         Type = "window.setTitle"
	TypeWindowSetContent       Type = "window.setContent"
	TypeWindowUpdateContent    Type = "window.updateContent"
	TypeWindowMove             Type = "window.move"
	TypeWindowResize           Type = "window.resize"
	TypeWindowLock             Type = "window.lock"
	TypeWindowUnlock           Type = "window.unlock"
	TypeNotificationShow       Type = "notification.show"
	TypeToastShow              Type = "toast.show"
	TypeDialogConfirm          Type = "dialog.confirm"
	TypeDesktopCreateShortcut  Type = "desktop.createShortcut"
)

// UpdateOp is the operation carried by a window.updateContent action.
type UpdateOp string

const (
	OpReplace  UpdateOp = "replace"
	OpAppend   UpdateOp = "append"
	OpPrepend  UpdateOp = "prepend"
	OpInsertAt UpdateOp = "insertAt"
	OpClear    UpdateOp = "clear"
)

// Action is a plain, serializable OS action value. Every concrete type
// below is safe to serialize and replay.
type Action interface {
	ActionType() Type
}

type WindowCreate struct {
	WindowID    string        `json:"windowId"`
	Title       string        `json:"title"`
	Bounds      *Bounds       `json:"bounds,omitempty"`
	Renderer    string        `json:"renderer"`
	Data        any           `json:"data,omitempty"`
	AppProtocol string        `json:"appProtocol,omitempty"`
}

func (WindowCreate) ActionType() Type { return TypeWindowCreate }

type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type WindowClose struct {
	WindowID string `json:"windowId"`
}

func (WindowClose) ActionType() Type { return TypeWindowClose }

type WindowSetTitle struct {
	WindowID string `json:"windowId"`
	Title    string `json:"title"`
}

func (WindowSetTitle) ActionType() Type { return TypeWindowSetTitle }

type WindowSetContent struct {
	WindowID string `json:"windowId"`
	Renderer string `json:"renderer"`
	Data     any    `json:"data"`
}

func (WindowSetContent) ActionType() Type { return TypeWindowSetContent }

// WindowUpdateContent carries an incremental mutation of a window's
// content. Position is only meaningful for OpInsertAt.
type WindowUpdateContent struct {
	WindowID string   `json:"windowId"`
	Op       UpdateOp `json:"op"`
	Data     any      `json:"data,omitempty"`
	Position *int     `json:"position,omitempty"`
}

func (WindowUpdateContent) ActionType() Type { return TypeWindowUpdateContent }

type WindowMove struct {
	WindowID string `json:"windowId"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

func (WindowMove) ActionType() Type { return TypeWindowMove }

type WindowResize struct {
	WindowID string `json:"windowId"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

func (WindowResize) ActionType() Type { return TypeWindowResize }

type WindowLock struct {
	WindowID string `json:"windowId"`
	LockedBy string `json:"lockedBy"`
}

func (WindowLock) ActionType() Type { return TypeWindowLock }

type WindowUnlock struct {
	WindowID string `json:"windowId"`
}

func (WindowUnlock) ActionType() Type { return TypeWindowUnlock }

type NotificationShow struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (NotificationShow) ActionType() Type { return TypeNotificationShow }

type ToastShow struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"` // info | success | warning | error
}

func (ToastShow) ActionType() Type { return TypeToastShow }

// PermissionOptions, when present on a DialogConfirm action, routes the
// action to an APPROVAL_REQUEST server event instead of plain ACTIONS.
type PermissionOptions struct {
	ShowRememberChoice bool     `json:"showRememberChoice"`
	Choices            []string `json:"choices,omitempty"`
}

type DialogConfirm struct {
	DialogID          string             `json:"dialogId"`
	Title             string             `json:"title"`
	Message           string             `json:"message"`
	ConfirmText       string             `json:"confirmText,omitempty"`
	CancelText        string             `json:"cancelText,omitempty"`
	PermissionOptions *PermissionOptions `json:"permissionOptions,omitempty"`
}

func (DialogConfirm) ActionType() Type { return TypeDialogConfirm }

type DesktopCreateShortcut struct {
	WindowID string `json:"windowId"`
	Label    string `json:"label"`
}

func (DesktopCreateShortcut) ActionType() Type { return TypeDesktopCreateShortcut }

// Marshal serializes a into its wire form: the action's own fields
// plus an injected "type" discriminator, the counterpart to Unmarshal.
// The concrete structs deliberately don't carry their own Type field
// (ActionType() is the single source of truth), so the tag is spliced
// in here rather than duplicated on every struct.
func Marshal(a Action) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	typeTag, err := json.Marshal(a.ActionType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typeTag

	return json.Marshal(fields)
}

// rawAction reads only the "type" tag, so unmarshalling can pick the
// concrete action type before decoding the rest.
type rawAction struct {
	Type Type `json:"type"`
}

// Unmarshal decodes a JSON action envelope (the action's own fields plus
// a "type" discriminator) into the matching concrete Action type.
func Unmarshal(data []byte) (Action, error) {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case TypeWindowCreate:
		var a WindowCreate
		return &a, json.Unmarshal(data, &a)
	case TypeWindowClose:
		var a WindowClose
		return &a, json.Unmarshal(data, &a)
	case TypeWindowSetTitle:
		var a WindowSetTitle
		return &a, json.Unmarshal(data, &a)
	case TypeWindowSetContent:
		var a WindowSetContent
		return &a, json.Unmarshal(data, &a)
	case TypeWindowUpdateContent:
		var a WindowUpdateContent
		return &a, json.Unmarshal(data, &a)
	case TypeWindowMove:
		var a WindowMove
		return &a, json.Unmarshal(data, &a)
	case TypeWindowResize:
		var a WindowResize
		return &a, json.Unmarshal(data, &a)
	case TypeWindowLock:
		var a WindowLock
		return &a, json.Unmarshal(data, &a)
	case TypeWindowUnlock:
		var a WindowUnlock
		return &a, json.Unmarshal(data, &a)
	case TypeNotificationShow:
		var a NotificationShow
		return &a, json.Unmarshal(data, &a)
	case TypeToastShow:
		var a ToastShow
		return &a, json.Unmarshal(data, &a)
	case TypeDialogConfirm:
		var a DialogConfirm
		return &a, json.Unmarshal(data, &a)
	case TypeDesktopCreateShortcut:
		var a DesktopCreateShortcut
		return &a, json.Unmarshal(data, &a)
	default:
		return nil, &UnknownTypeError{Type: raw.Type}
	}
}

// UnknownTypeError is returned by Unmarshal for an action type outside
// the known set (the union is open; callers that persist actions across
// versions should tolerate this).
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return "action: unknown type " + string(e.Type)
}

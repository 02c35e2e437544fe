package contextpool

// Profile is a closed, named bundle of {systemPrompt, allowedTools} a
// dispatched task agent runs under (spec.md §4.7). Grounded on the
// teacher's internal/agent.BuiltInAgents, narrowed from the teacher's
// general-purpose coding-agent roster to the broker's own four task
// shapes.
type Profile struct {
	SystemPrompt string
	AllowedTools []string
}

// Profiles is the closed set of dispatchable task profiles.
var Profiles = map[string]Profile{
	"default": {
		SystemPrompt: "You are a focused task agent completing one objective inside a shared desktop session. Report back concisely.",
		AllowedTools: []string{"*"},
	},
	"web": {
		SystemPrompt: "You are a web-browsing task agent. Fetch and summarize the requested page or resource; do not open unrelated windows.",
		AllowedTools: []string{"webfetch", "window.create", "window.setContent", "window.updateContent"},
	},
	"code": {
		SystemPrompt: "You are a code-execution task agent. Run the requested snippet or build step and report its output.",
		AllowedTools: []string{"bash", "read", "write", "edit", "window.create", "window.setContent"},
	},
	"app": {
		SystemPrompt: "You are an app-scaffolding task agent. Build the requested small application inside one window and wire it up.",
		AllowedTools: []string{"bash", "read", "write", "edit", "window.*", "desktop.createShortcut"},
	},
}

// DefaultProfileName is used when a dispatch request specifies none.
const DefaultProfileName = "default"

// LookupProfile resolves name to a Profile, falling back to the
// default profile for an unknown or empty name.
func LookupProfile(name string) (string, Profile) {
	if name == "" {
		name = DefaultProfileName
	}
	p, ok := Profiles[name]
	if !ok {
		return DefaultProfileName, Profiles[DefaultProfileName]
	}
	return name, p
}

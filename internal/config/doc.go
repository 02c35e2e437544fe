// Package config loads broker settings from a layered JSONC
// configuration (global, then project, then environment overrides) and
// provides the XDG-compliant data/config/cache/state paths the process
// uses for the reload cache and any persisted state.
package config

package codec

import "github.com/microcosm-cc/bluemonday"

// sanitizer strips HTML/script content from agent-originated text before it
// is fanned out to dashboards, which render terminal output and trace
// content in a browser context. A strict policy: plain text only, no tags
// survive.
var sanitizer = bluemonday.StrictPolicy()

// SanitizeText runs s through the strict sanitization policy. Used on
// TERMINAL_OUTPUT.Output and TRACE_EVENT.Content before delivery.
func SanitizeText(s string) string {
	return sanitizer.Sanitize(s)
}

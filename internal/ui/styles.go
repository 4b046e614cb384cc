// Package ui renders terminal output for the cfd command line.
package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorMuted  = 245 // medium gray
	colorInsert = 114 // green
	colorUpdate = 179 // amber
	colorDelete = 167 // red
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderEventType colors a change event type: inserts green, updates
// amber, deletes red. Unknown types are left plain.
func RenderEventType(eventType string) string {
	switch eventType {
	case "insert":
		return paint(colorInsert, eventType)
	case "update":
		return paint(colorUpdate, eventType)
	case "delete":
		return paint(colorDelete, eventType)
	default:
		return eventType
	}
}

// RenderSequence formats a sequence number as "#n" in the muted color.
func RenderSequence(seq uint64) string {
	return RenderMuted(fmt.Sprintf("#%d", seq))
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

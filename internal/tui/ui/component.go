package ui

// Component is implemented by every page of the TUI.
type Component interface {
	Name() string
	// Hints lists the page's own key bindings, e.g. "r:retry".
	Hints() []string
}

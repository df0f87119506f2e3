package ui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Down        key.Binding
	Up          key.Binding
	PageDown    key.Binding
	PageUp      key.Binding
	Top         key.Binding
	Bottom      key.Binding
	Read        key.Binding
	Refresh     key.Binding
	Merge       key.Binding
	ClearUnread key.Binding
	Debug       key.Binding
	Quit        key.Binding
}

var keys = keyMap{
	Down:        key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/k", "nav")),
	Up:          key.NewBinding(key.WithKeys("k", "up")),
	PageDown:    key.NewBinding(key.WithKeys("ctrl+d", "pgdown")),
	PageUp:      key.NewBinding(key.WithKeys("ctrl+u", "pgup")),
	Top:         key.NewBinding(key.WithKeys("g", "home"), key.WithHelp("g", "top")),
	Bottom:      key.NewBinding(key.WithKeys("G", "end")),
	Read:        key.NewBinding(key.WithKeys("enter"), key.WithHelp("Enter", "read")),
	Refresh:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Merge:       key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "show new")),
	ClearUnread: key.NewBinding(key.WithKeys("u"), key.WithHelp("u", "clear unread")),
	Debug:       key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "debug")),
	Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// hints are the bindings listed in the status bar, in order.
func (k keyMap) hints() []key.Binding {
	return []key.Binding{k.Down, k.Top, k.Read, k.Refresh, k.Merge, k.ClearUnread, k.Debug, k.Quit}
}

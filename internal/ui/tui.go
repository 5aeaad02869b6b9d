// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the player UI
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// NewModel creates a model driving ctrl. server labels the header.
func NewModel(ctrl Controller, server string) Model {
	return Model{
		ctrl:   ctrl,
		server: server,
		quit:   make(chan struct{}, 1),
	}
}

// Quit signals when the user asked to quit
func (m Model) Quit() <-chan struct{} {
	return m.quit
}

// Run creates the program; the caller runs it
func Run(m Model) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

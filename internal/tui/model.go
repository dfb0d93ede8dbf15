// Package tui is the interactive conflict resolution prompt shown when a
// migration stops on conflicts that need a decision.
package tui

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/fitsync-migrate/internal/conflict"
)

// ErrAborted is returned when the prompt is closed without confirming.
var ErrAborted = errors.New("conflict resolution aborted")

// choices offered per conflict, in display order.
var choices = []conflict.Strategy{conflict.UseLocal, conflict.UseRemote, conflict.Merge, conflict.SkipField}

// Model is the conflict resolution prompt
type Model struct {
	conflicts []conflict.Conflict
	selected  []int // index into choices per conflict
	cursor    int
	keys      keyMap
	help      help.Model
	width     int
	confirmed bool
	aborted   bool
}

// NewModel builds a prompt for conflicts, preselecting each suggestion.
func NewModel(conflicts []conflict.Conflict) Model {
	m := Model{
		conflicts: conflicts,
		selected:  make([]int, len(conflicts)),
		keys:      defaultKeys,
		help:      help.New(),
	}
	for i, c := range conflicts {
		if idx := slices.Index(choices, c.Suggested); idx >= 0 {
			m.selected[i] = idx
		}
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.aborted = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Confirm):
			m.confirmed = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}
		if len(m.conflicts) == 0 {
			return m, nil
		}
		switch {
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.cursor < len(m.conflicts)-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Next):
			m.selected[m.cursor] = (m.selected[m.cursor] + 1) % len(choices)
		case key.Matches(msg, m.keys.Prev):
			m.selected[m.cursor] = (m.selected[m.cursor] + len(choices) - 1) % len(choices)
		}
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("%d conflict(s) need a decision", len(m.conflicts))))
	b.WriteString("\n")

	for i, c := range m.conflicts {
		cursor := "  "
		if i == m.cursor {
			cursor = styleCursor.Render("> ")
		}
		sev := severityStyles[string(c.Severity)].Render(string(c.Severity))
		b.WriteString(fmt.Sprintf("%s%s %s %s\n", cursor, styleField.Render(c.ID), styleMuted.Render(string(c.Type)), sev))

		if i != m.cursor {
			continue
		}
		detail := lipgloss.JoinVertical(lipgloss.Left,
			styleLocal.Render("local:  "+formatValue(c.LocalValue)),
			styleRemote.Render("remote: "+formatValue(c.RemoteValue)),
			m.renderChoices(i),
		)
		b.WriteString(styleBox.Render(detail))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) renderChoices(i int) string {
	parts := make([]string, len(choices))
	for j, s := range choices {
		if j == m.selected[i] {
			parts[j] = styleChosen.Render(string(s))
		} else {
			parts[j] = styleChoice.Render(string(s))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

// Resolutions returns the chosen strategy per conflict id.
func (m Model) Resolutions() map[string]conflict.Strategy {
	out := make(map[string]conflict.Strategy, len(m.conflicts))
	for i, c := range m.conflicts {
		out[c.ID] = choices[m.selected[i]]
	}
	return out
}

// Confirmed reports whether the user accepted the choices.
func (m Model) Confirmed() bool { return m.confirmed && !m.aborted }

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "(empty)"
	case string:
		if x == "" {
			return "(empty)"
		}
		return x
	case []any:
		items := make([]string, len(x))
		for i, it := range x {
			items[i] = fmt.Sprint(it)
		}
		return "[" + strings.Join(items, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// Resolve runs the prompt on the terminal and returns the chosen strategies.
func Resolve(conflicts []conflict.Conflict) (map[string]conflict.Strategy, error) {
	p := tea.NewProgram(NewModel(conflicts), tea.WithOutput(os.Stderr))
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	m, ok := final.(Model)
	if !ok || !m.Confirmed() {
		return nil, ErrAborted
	}
	return m.Resolutions(), nil
}

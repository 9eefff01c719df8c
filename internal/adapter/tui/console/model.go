package console

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"govstream/internal/adapter/tui/theme"
	"govstream/internal/domain"
)

const (
	warningPrefix   = "warning: "
	maxResultWidth  = 72
	defaultLogLines = 20
)

// Model is the Bubble Tea model for one session. It never sees frames or
// parser state, only session snapshots.
type Model struct {
	title   string
	spinner spinner.Model
	snap    domain.SessionSnapshot
	hasSnap bool
	cancel  func()

	cancelling bool
	done       bool
	width      int
	height     int
}

// NewModel creates a console model. cancel is invoked once when the user
// presses ctrl+c, q or esc while the session is still running.
func NewModel(title string, cancel func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = theme.TextAccent
	return Model{title: title, spinner: s, cancel: cancel}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			if m.cancelling {
				return m, nil
			}
			m.cancelling = true
			cancel := m.cancel
			return m, func() tea.Msg {
				if cancel != nil {
					cancel()
				}
				return cancelledMsg{}
			}
		}
		return m, nil

	case UpdateMsg:
		m.snap = msg.Snapshot
		m.hasSnap = true
		if msg.Snapshot.Status.IsTerminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case cancelledMsg:
		// The final CANCELLED update arrives from the controller.
		return m, nil

	case QuitMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(theme.Title.Render(m.title))
	if m.hasSnap && m.snap.Target != "" {
		b.WriteString(" " + theme.TextMuted.Render(m.snap.Target))
	}
	b.WriteString("\n")

	b.WriteString(m.logView())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	return b.String()
}

func (m Model) logView() string {
	width := theme.Clamp(m.width-4, 20, theme.MaxContentWidth)
	lines := m.snap.Log

	limit := defaultLogLines
	if m.height > 0 {
		limit = theme.Clamp(m.height-6, 3, len(lines)+3)
	}
	var hidden int
	if len(lines) > limit {
		hidden = len(lines) - limit
		lines = lines[hidden:]
	}

	var rows []string
	if hidden > 0 {
		rows = append(rows, theme.Dim.Render(fmt.Sprintf("%s %d earlier lines", theme.SymbolEllipsis, hidden)))
	}
	if len(lines) == 0 {
		rows = append(rows, theme.TextMuted.Render("Waiting for output"+theme.SymbolEllipsis))
	}
	for _, line := range lines {
		if msg, ok := strings.CutPrefix(line, warningPrefix); ok {
			rows = append(rows, theme.TextWarning.Render(theme.SymbolWarning+" "+msg))
			continue
		}
		rows = append(rows, theme.Dim.Render(theme.SymbolArrowR)+" "+line)
	}

	return theme.LogPane.Width(width).Render(strings.Join(rows, "\n"))
}

func (m Model) statusLine() string {
	status := domain.StatusPending
	if m.hasSnap {
		status = m.snap.Status
	}
	style := theme.StatusStyle(status)

	var line string
	switch status {
	case domain.StatusSucceeded:
		line = style.Render(theme.StatusSymbol(status) + " succeeded")
		if r := summarize(m.snap.Result); r != "" {
			line += "  " + theme.TextMuted.Render(r)
		}
	case domain.StatusFailed:
		line = style.Render(theme.StatusSymbol(status)+" failed") + "  " + m.snap.LastError
	case domain.StatusCancelled:
		line = style.Render(theme.StatusSymbol(status) + " cancelled")
	default:
		label := strings.ToLower(string(status))
		if m.cancelling {
			label = "cancelling"
		}
		line = m.spinner.View() + " " + style.Render(label+theme.SymbolEllipsis)
		line += "  " + theme.StatusKey.Render("ctrl+c") + theme.Dim.Render(": cancel")
	}
	return lipgloss.NewStyle().MaxWidth(theme.Clamp(m.width, 40, 1000)).Render(line)
}

// summarize renders a result artifact as compact single-line JSON, cut to
// maxResultWidth display cells.
func summarize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return ansi.Truncate(string(b), maxResultWidth, theme.SymbolEllipsis)
}

// Done reports whether the session reached a terminal state.
func (m Model) Done() bool { return m.done }

// Snapshot returns the last snapshot received.
func (m Model) Snapshot() domain.SessionSnapshot { return m.snap }

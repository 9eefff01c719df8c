package console

import (
	"context"
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"govstream/internal/adapter/tui/theme"
	"govstream/internal/domain"
)

// Console runs the interactive view as a Bubble Tea program. Register
// Observe with the session controller before calling Run.
type Console struct {
	program *tea.Program
}

// New creates a console titled title. cancel is called when the user aborts.
func New(title string, cancel func(), opts ...tea.ProgramOption) *Console {
	return &Console{program: tea.NewProgram(NewModel(title, cancel), opts...)}
}

// Observe forwards a session update into the program. It blocks until the
// program accepts the message, and returns immediately once it has exited.
func (c *Console) Observe(ev domain.SessionEvent, snap domain.SessionSnapshot) {
	c.program.Send(UpdateMsg{Event: ev, Snapshot: snap})
}

// Run blocks until the session ends, the user quits, or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.program.Send(QuitMsg{})
		case <-done:
		}
	}()

	_, err := c.program.Run()
	return err
}

// Plain prints session updates as lines, for non-interactive output. New log
// lines are printed as they arrive; status changes and the outcome get their
// own line.
type Plain struct {
	mu      sync.Mutex
	w       io.Writer
	id      string
	printed int
	status  domain.SessionStatus
}

// NewPlain creates a line printer writing to w.
func NewPlain(w io.Writer) *Plain {
	return &Plain{w: w}
}

// Observe implements the controller's observer signature.
func (p *Plain) Observe(_ domain.SessionEvent, snap domain.SessionSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.ID != p.id {
		p.id, p.printed, p.status = snap.ID, 0, ""
	}

	if snap.Status != p.status {
		switch snap.Status {
		case domain.StatusConnecting:
			fmt.Fprintf(p.w, "%s connecting to %s %s\n", theme.SymbolInfo, snap.Feature, snap.Target)
		case domain.StatusStreaming:
			fmt.Fprintf(p.w, "%s streaming\n", theme.SymbolInfo)
		}
	}

	for _, line := range snap.Log[p.printed:] {
		fmt.Fprintf(p.w, "  %s %s\n", theme.SymbolArrowR, line)
	}
	p.printed = len(snap.Log)

	if snap.Status != p.status {
		switch snap.Status {
		case domain.StatusSucceeded:
			if r := summarize(snap.Result); r != "" {
				fmt.Fprintf(p.w, "%s succeeded: %s\n", theme.StatusSymbol(snap.Status), r)
			} else {
				fmt.Fprintf(p.w, "%s succeeded\n", theme.StatusSymbol(snap.Status))
			}
		case domain.StatusFailed:
			fmt.Fprintf(p.w, "%s failed: %s\n", theme.StatusSymbol(snap.Status), snap.LastError)
		case domain.StatusCancelled:
			fmt.Fprintf(p.w, "%s cancelled\n", theme.StatusSymbol(snap.Status))
		}
	}
	p.status = snap.Status
}

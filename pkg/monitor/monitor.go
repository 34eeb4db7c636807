// Package monitor is a terminal dashboard showing this device's sync
// state and the device fleet, refreshed live while the sync engine
// runs in the background.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/colegrim/hubdeck/internal/engine"
)

const refreshEvery = 2 * time.Second

// Model is the bubbletea model for the monitor.
type Model struct {
	eng  *engine.Engine
	ctx  context.Context
	spin spinner.Model

	info    engine.Info
	width   int
	height  int
	lastErr string
}

// New creates a monitor over a running engine. ctx bounds the manual
// operations triggered from the keyboard.
func New(ctx context.Context, eng *engine.Engine) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return Model{
		eng:  eng,
		ctx:  ctx,
		spin: sp,
		info: eng.Info(),
	}
}

type tickMsg time.Time

type opDoneMsg struct {
	what string
	err  error
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.info = m.eng.Info()
		return m, tea.Batch(tick(), m.refreshCmd())

	case opDoneMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.what, msg.err)
		} else {
			m.lastErr = ""
		}
		m.info = m.eng.Info()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "s":
			return m, m.opCmd("sync", func() error {
				return m.eng.SyncNow(m.ctx)
			})
		case "p":
			return m, m.opCmd("publish", func() error {
				_, err := m.eng.Publish(m.ctx, "")
				return err
			})
		}
	}
	return m, nil
}

func (m Model) refreshCmd() tea.Cmd {
	return m.opCmd("refresh", func() error {
		return m.eng.RefreshLists(m.ctx)
	})
}

func (m Model) opCmd(what string, op func() error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{what: what, err: op()}
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("hubdeck monitor"))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	b.WriteString(m.renderDevices())
	b.WriteString("\n")
	b.WriteString(m.renderHistory())

	b.WriteString(helpStyle.Render("s sync  p publish  r refresh  q quit"))
	b.WriteString("\n")

	return b.String()
}

func (m Model) renderStatus() string {
	info := m.info

	status := string(info.Status)
	line := statusStyle(status).Render(status)
	if info.Status == engine.StatusSyncing {
		line = m.spin.View() + line
	}
	if info.Pending {
		line += warnStyle.Render(" (local edits pending)")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("device:"), deviceLabel(info.DeviceID, info.DeviceLabel))
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("status:"), line)
	fmt.Fprintf(&b, "%s %d", headerStyle.Render("revision:"), info.Revision)

	if info.Err != "" {
		fmt.Fprintf(&b, "\n%s %s", headerStyle.Render("problem:"), errStyle.Render(info.Err))
	}
	if m.lastErr != "" {
		fmt.Fprintf(&b, "\n%s %s", headerStyle.Render("last op:"), errStyle.Render(m.lastErr))
	}
	return b.String()
}

func (m Model) renderDevices() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("devices"))
	b.WriteString("\n")

	if len(m.info.Devices) == 0 {
		b.WriteString(mutedStyle.Render("  none registered yet"))
		b.WriteString("\n")
		return b.String()
	}

	for _, d := range m.info.Devices {
		name := deviceLabel(d.DeviceID, d.DeviceLabel)
		line := fmt.Sprintf("  %-30s rev %-5d %s", name, d.Revision, mutedStyle.Render(d.UpdatedAt))
		if d.DeviceID == m.info.DeviceID {
			line = selfStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderHistory() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("history"))
	b.WriteString("\n")

	if len(m.info.History) == 0 {
		b.WriteString(mutedStyle.Render("  no saved revisions"))
		b.WriteString("\n")
		return b.String()
	}

	shown := m.info.History
	if len(shown) > 8 {
		shown = shown[:8]
	}
	for _, h := range shown {
		fmt.Fprintf(&b, "  rev %-5d %s\n", h.Revision, mutedStyle.Render(h.UpdatedAt))
	}
	if rest := len(m.info.History) - len(shown); rest > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  … and %d more", rest)))
		b.WriteString("\n")
	}
	return b.String()
}

func deviceLabel(id, label string) string {
	if label != "" {
		return fmt.Sprintf("%s (%s)", label, shortID(id))
	}
	return shortID(id)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

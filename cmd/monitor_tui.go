// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/wapilink/pkg/wapi"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// monitorDriver is the part of the driver the monitor uses.
type monitorDriver interface {
	Ready() bool
	Stats() wapi.Stats
	Exchange(ctx context.Context, line []byte) ([]byte, error)
	Send(payload []byte, fn wapi.ResponseFunc) error
}

// TUI model
type monitorModel struct {
	drv      monitorDriver
	connInfo string
	events   <-chan stageEvent

	stats         wapi.Stats
	upSince       time.Time
	log           []logEntry
	maxLogEntries int
	spinner       spinner.Model
	input         textinput.Model
	width         int
	height        int
	quitting      bool
}

// Messages
type monitorTickMsg time.Time
type stageMsg stageEvent
type replyMsg struct {
	request string
	reply   string
	err     error
}

func newMonitorModel(drv monitorDriver, connInfo string, events <-chan stageEvent) monitorModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	ti := textinput.New()
	ti.Placeholder = "AT line, or: send <hex>"
	ti.CharLimit = 200
	ti.Width = 60
	ti.Focus()

	return monitorModel{
		drv:           drv,
		connInfo:      connInfo,
		events:        events,
		maxLogEntries: 100,
		spinner:       sp,
		input:         ti,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		monitorTickCmd(),
		waitForStage(m.events),
		m.spinner.Tick,
		textinput.Blink,
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func waitForStage(ch <-chan stageEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return stageMsg(ev)
	}
}

// submit turns an input line into a driver request.
func (m monitorModel) submit(line string) tea.Cmd {
	drv := m.drv
	if rest, ok := strings.CutPrefix(line, "send "); ok {
		payload, err := hex.DecodeString(strings.ReplaceAll(rest, " ", ""))
		if err != nil {
			return func() tea.Msg { return replyMsg{request: line, err: fmt.Errorf("bad hex: %w", err)} }
		}
		return func() tea.Msg {
			done := make(chan replyMsg, 1)
			err := drv.Send(payload, func(resp []byte) error {
				done <- replyMsg{request: line, reply: string(resp)}
				return nil
			})
			if err != nil {
				return replyMsg{request: line, err: err}
			}
			select {
			case r := <-done:
				return r
			case <-time.After(5 * time.Second):
				return replyMsg{request: line, err: context.DeadlineExceeded}
			}
		}
	}

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := drv.Exchange(ctx, atLine(line))
		return replyMsg{request: line, reply: string(resp), err: err}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			m.addLogEntry("> "+line, false)
			return m, m.submit(line)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorTickMsg:
		m.refresh()
		return m, monitorTickCmd()

	case stageMsg:
		ev := stageEvent(msg)
		m.addLogEntry(ev.String(), !ev.ok)
		m.refresh()
		return m, waitForStage(m.events)

	case replyMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s: %v", msg.request, msg.err), true)
		} else {
			for _, l := range strings.Split(strings.TrimRight(msg.reply, "\r\n"), "\n") {
				m.addLogEntry("< "+strings.TrimRight(l, "\r"), false)
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// refresh takes a new statistics snapshot and tracks link uptime.
func (m *monitorModel) refresh() {
	m.stats = m.drv.Stats()
	switch {
	case m.stats.Ready && m.upSince.IsZero():
		m.upSince = time.Now()
	case !m.stats.Ready:
		m.upSince = time.Time{}
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

// formatUptime formats a duration as "1 hour, 2 minutes and 3 seconds".
func formatUptime(d time.Duration) string {
	total := int64(d / time.Second)
	units := []struct {
		name string
		secs int64
	}{
		{"day", 86400},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}

	var parts []string
	for _, u := range units {
		n := total / u.secs
		total %= u.secs
		if n == 0 && !(u.secs == 1 && len(parts) == 0) {
			continue
		}
		if n == 1 {
			parts = append(parts, "1 "+u.name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
	}

	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	infoStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	count := func(label string, v uint64, bad bool) string {
		style := valueStyle
		if bad && v > 0 {
			style = errorStyle
		}
		return labelStyle.Render(label) + " " + style.Render(fmt.Sprintf("%d", v))
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("WAPILINK - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Esc to quit", m.connInfo)))
	s.WriteString("\n\n")

	// Link status
	if m.stats.Ready {
		s.WriteString(valueStyle.Render(fmt.Sprintf("✓ Link up (%s)", m.stats.Mode)))
		if !m.upSince.IsZero() {
			s.WriteString(headerStyle.Render(" for " + formatUptime(time.Since(m.upSince))))
		}
	} else {
		s.WriteString(m.spinner.View() + infoStyle.Render(" Bringing link up..."))
	}
	s.WriteString("\n\n")

	// Statistics
	at, fr, en := m.stats.AT, m.stats.AT.Framing, m.stats.Engine
	fr.CalculateRates()

	var stats strings.Builder
	stats.WriteString(strings.Join([]string{
		count("Sent:", at.Sent, false),
		count("Completed:", at.Completed, false),
		count("Timeouts:", at.Timeouts, true),
		count("Not consumed:", at.NotConsumed, true),
		count("Parse errors:", at.ParseErrors, true),
	}, "   "))
	stats.WriteString("\n")
	stats.WriteString(strings.Join([]string{
		count("Frames:", fr.Frames, false),
		count("Unmatched:", at.Unmatched, true),
		count("Overruns:", fr.Overruns, true),
		count("Dropped:", fr.Dropped, true),
		count("Resets:", fr.Resets, false),
	}, "   "))
	stats.WriteString("\n")
	stats.WriteString(strings.Join([]string{
		count("Steps:", en.StepAttempts, false),
		count("Step failures:", en.StepFailures, true),
		count("Stage retries:", en.StageRetries, true),
		count("Stage failures:", en.StageFailures, true),
	}, "   "))
	stats.WriteString("\n")
	stats.WriteString(fmt.Sprintf("%s %s",
		labelStyle.Render("Frame Rate:"), valueStyle.Render(fmt.Sprintf("%.1f frames/s", fr.FrameRate))))

	s.WriteString(boxStyle.Render(stats.String()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 17 // Reserve space for header, stats and input
	if logHeight < 5 {
		logHeight = 5
	}
	start := max(len(m.log)-logHeight, 0)

	var logContent strings.Builder
	if len(m.log) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.log[start:] {
		ts := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			logContent.WriteString(ts + " " + errorStyle.Render("✗ "+entry.message) + "\n")
		} else {
			logContent.WriteString(ts + " " + infoStyle.Render("ℹ "+entry.message) + "\n")
		}
	}
	s.WriteString(boxStyle.Width(max(m.width-4, 20)).Render(logContent.String()))
	s.WriteString("\n")
	s.WriteString(m.input.View())

	return s.String()
}

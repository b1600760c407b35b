// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/mysbridge/pkg/events"
	"github.com/Thermoquad/mysbridge/pkg/mysensors"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// sensorKey identifies one row of the node table
type sensorKey struct {
	node  uint8
	child uint8
}

// Last known state of a child sensor
type sensorState struct {
	kind     string // presentation type, once seen
	value    string
	valueSub string
	origin   string
	updated  time.Time
}

// TUI model
type monitorModel struct {
	feedURL       string
	stats         *mysensors.Statistics
	sensors       map[sensorKey]*sensorState
	table         table.Model
	log           viewport.Model
	entries       []logEntry
	maxLogEntries int
	connected     bool
	connectedAt   time.Time
	lastErr       error
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type feedEventMsg events.Event
type feedStateMsg struct {
	connected bool
	err       error
}

var monitorColumns = []table.Column{
	{Title: "Node", Width: 6},
	{Title: "Child", Width: 6},
	{Title: "Type", Width: 18},
	{Title: "Value", Width: 20},
	{Title: "Variable", Width: 16},
	{Title: "Age", Width: 10},
}

// formatDuration formats a duration to a human-friendly string
func formatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

// formatAge is the short form used in the table
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func initialMonitorModel(feedURL string) monitorModel {
	t := table.New(
		table.WithColumns(monitorColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return monitorModel{
		feedURL:       feedURL,
		stats:         mysensors.NewStatistics(),
		sensors:       make(map[sensorKey]*sensorState),
		table:         t,
		log:           viewport.New(76, 8),
		entries:       make([]logEntry, 0),
		maxLogEntries: 200,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.entries = m.entries[:0]
			m.refreshLog()
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.log, cmd = m.log.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case tickMsg:
		m.stats.CalculateRates()
		m.refreshTable()
		return m, monitorTickCmd()

	case feedStateMsg:
		if msg.connected {
			m.connected = true
			m.connectedAt = time.Now()
			m.lastErr = nil
			m.addLogEntry("Subscribed to "+m.feedURL, false)
		} else {
			if m.connected {
				m.addLogEntry(fmt.Sprintf("Feed lost: %v", msg.err), true)
			}
			m.connected = false
			m.lastErr = msg.err
		}

	case feedEventMsg:
		m.processEvent(events.Event(msg))
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// processEvent folds one state event into the sensor table and the log
func (m *monitorModel) processEvent(ev events.Event) {
	msg := ev.Message
	m.stats.Update(msg, nil)

	key := sensorKey{node: msg.NodeID, child: msg.ChildSensorID}
	s, ok := m.sensors[key]
	if !ok {
		s = &sensorState{}
		m.sensors[key] = s
	}
	s.origin = ev.Origin.String()
	s.updated = ev.Time

	switch msg.Command {
	case mysensors.CommandPresentation:
		s.kind = mysensors.SubTypeName(msg.Command, msg.SubType)
	case mysensors.CommandSet:
		s.value = msg.Payload
		s.valueSub = mysensors.SubTypeName(msg.Command, msg.SubType)
	}

	m.addLogEntry(fmt.Sprintf("%-10s %s", ev.Origin, mysensors.FormatMessage(msg)), false)
	m.refreshTable()
}

func (m *monitorModel) refreshTable() {
	keys := make([]sensorKey, 0, len(m.sensors))
	for k := range m.sensors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].node != keys[j].node {
			return keys[i].node < keys[j].node
		}
		return keys[i].child < keys[j].child
	})

	now := time.Now()
	rows := make([]table.Row, 0, len(keys))
	for _, k := range keys {
		s := m.sensors[k]
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", k.node),
			fmt.Sprintf("%d", k.child),
			s.kind,
			s.value,
			s.valueSub,
			formatAge(now.Sub(s.updated)),
		})
	}
	m.table.SetRows(rows)
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.entries = append(m.entries, entry)

	// Keep only last N entries
	if len(m.entries) > m.maxLogEntries {
		m.entries = m.entries[len(m.entries)-m.maxLogEntries:]
	}
	m.refreshLog()
}

var (
	logTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	logErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	logInfoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func (m *monitorModel) refreshLog() {
	if len(m.entries) == 0 {
		m.log.SetContent(logTimeStyle.Render("  (no events yet)"))
		return
	}

	var b strings.Builder
	for _, entry := range m.entries {
		timestamp := entry.timestamp.Format("15:04:05.000")
		if entry.isError {
			fmt.Fprintf(&b, "%s %s\n", logTimeStyle.Render(timestamp), logErrorStyle.Render("✗ "+entry.message))
		} else {
			fmt.Fprintf(&b, "%s %s\n", logTimeStyle.Render(timestamp), logInfoStyle.Render(entry.message))
		}
	}
	m.log.SetContent(strings.TrimSuffix(b.String(), "\n"))
	m.log.GotoBottom()
}

// resize splits the space left under the header between table and log
func (m *monitorModel) resize() {
	avail := m.height - 12
	if avail < 8 {
		avail = 8
	}
	tableHeight := avail / 2
	m.table.SetHeight(tableHeight)
	m.log.Width = m.width - 6
	m.log.Height = avail - tableHeight
	m.refreshLog()
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

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("MYSBRIDGE - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Feed: %s | 'c' clears log | PgUp/PgDn scroll | 'q' quits", m.feedURL)))
	s.WriteString("\n\n")

	// Feed status
	if m.connected {
		s.WriteString(statsValueStyle.Render("✓ Subscribed"))
		s.WriteString(headerStyle.Render(" for " + formatDuration(time.Since(m.connectedAt))))
	} else {
		s.WriteString(warningStyle.Render("⏳ Waiting for feed..."))
		if m.lastErr != nil {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (%v)", m.lastErr)))
		}
	}
	s.WriteString("\n")

	// Statistics
	statsContent := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s   %s %s",
		statsLabelStyle.Render("Events:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.ValidFrames)),
		statsLabelStyle.Render("Present:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.ByCommand[mysensors.CommandPresentation])),
		statsLabelStyle.Render("Set:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.ByCommand[mysensors.CommandSet])),
		statsLabelStyle.Render("Req:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.ByCommand[mysensors.CommandReq])),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f ev/s", m.stats.FrameRate)),
	)
	s.WriteString(boxStyle.Render(statsContent))
	s.WriteString("\n")

	// Sensors
	s.WriteString(statsLabelStyle.Render(fmt.Sprintf("Sensors (%d):", len(m.sensors))))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.log.View()))

	return s.String()
}

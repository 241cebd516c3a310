// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/internal/logging"
	"github.com/Thermoquad/robolink/pkg/link"
	"github.com/Thermoquad/robolink/pkg/packet"
	"github.com/Thermoquad/robolink/pkg/robot"
)

var monitorShowAll bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive link monitor",
	Long: `Connect and run the task cycle with a live terminal display of the link
state, frame statistics, cycle timing, packets seen by id and recent events.

Keys:
  q, ctrl+c  quit
  r          reconnect
  d          disconnect`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorShowAll, "show-all", false, "Log every received packet as an event")
}

// Event log entry
type eventEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// Packets seen for one id
type packetSeen struct {
	id       uint8
	count    uint64
	length   int
	lastSeen time.Time
}

// TUI model
type monitorModel struct {
	robot       *robot.Robot
	connInfo    string
	protocol    string
	showAll     bool
	status      robot.Status
	packets     map[uint8]*packetSeen
	events      []eventEntry
	maxEvents   int
	connectedAt time.Time
	width       int
	height      int
	quitting    bool
}

// Messages
type monitorTickMsg time.Time

type eventMsg struct {
	message string
	isError bool
}

type packetMsg struct {
	id     uint8
	length int
	at     time.Time
}

type connectedMsg struct {
	at time.Time
}

// formatUptime formats a duration to a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := uint64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
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

func initialMonitorModel(r *robot.Robot, connInfo, protocol string, showAll bool) monitorModel {
	return monitorModel{
		robot:     r,
		connInfo:  connInfo,
		protocol:  protocol,
		showAll:   showAll,
		status:    r.Stats(),
		packets:   make(map[uint8]*packetSeen),
		maxEvents: 100,
		width:     80,
		height:    24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		monitorTickCmd(),
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if err := m.robot.ConnectAsync(context.Background()); err != nil {
				m.addEvent(fmt.Sprintf("reconnect: %v", err), true)
			} else {
				m.addEvent("connecting...", false)
			}
		case "d":
			m.robot.Disconnect()
		case "t":
			// Lands in the event log through the JSON logger
			m.robot.Cycle().LogTasks()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorTickMsg:
		m.status = m.robot.Stats()
		return m, monitorTickCmd()

	case connectedMsg:
		m.connectedAt = msg.at
		m.addEvent("connected", false)

	case eventMsg:
		m.addEvent(msg.message, msg.isError)

	case packetMsg:
		seen := m.packets[msg.id]
		if seen == nil {
			seen = &packetSeen{id: msg.id}
			m.packets[msg.id] = seen
		}
		seen.count++
		seen.length = msg.length
		seen.lastSeen = msg.at
		if m.showAll {
			m.addEvent(fmt.Sprintf("packet id=0x%02X len=%d", msg.id, msg.length), false)
		}
	}

	return m, nil
}

func (m *monitorModel) addEvent(message string, isError bool) {
	m.events = append(m.events, eventEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.events) > m.maxEvents {
		m.events = m.events[len(m.events)-m.maxEvents:]
	}
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

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("ROBOLINK - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Protocol: %s | q quit, r reconnect, d disconnect, t tasks",
		m.connInfo, m.protocol)))
	s.WriteString("\n\n")

	// Link state
	switch m.status.State {
	case link.Connected.String():
		s.WriteString(valueStyle.Render("✓ Connected"))
		if !m.connectedAt.IsZero() {
			s.WriteString(headerStyle.Render(" for " + formatUptime(time.Since(m.connectedAt))))
		}
		if id := m.robot.Identity(); id.Name != "" {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (%s %s %s)", id.Name, id.Class, id.Subclass)))
		}
	case link.Connecting.String():
		s.WriteString(warningStyle.Render("⏳ Connecting..."))
	default:
		s.WriteString(errorStyle.Render("✗ " + m.status.State))
	}
	s.WriteString("\n\n")

	// Statistics
	st := m.status.Statistics
	var validPercent float64
	if st.TotalFrames > 0 {
		validPercent = float64(st.ValidFrames) * 100.0 / float64(st.TotalFrames)
	}
	totalErrors := st.ChecksumErrors + st.FramingErrors

	stats := strings.Builder{}
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalFrames)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidFrames, validPercent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d", totalErrors)),
	))
	if totalErrors > 0 {
		stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("Checksum:"), errorStyle.Render(fmt.Sprintf("%d", st.ChecksumErrors)),
			labelStyle.Render("Framing:"), errorStyle.Render(fmt.Sprintf("%d", st.FramingErrors)),
			labelStyle.Render("Discarded:"), warningStyle.Render(fmt.Sprintf("%d bytes", st.DiscardedBytes)),
		))
	}
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("Frame Rate:"), valueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		labelStyle.Render("Error Rate:"), func() string {
			if st.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
			}
			return valueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
		}(),
		labelStyle.Render("Out:"), valueStyle.Render(fmt.Sprintf("%d pkts", st.PacketsOut)),
	))
	if st.TotalFrames > 0 {
		stats.WriteString(fmt.Sprintf("\n%s %s",
			labelStyle.Render("Last Frame:"),
			valueStyle.Render(time.Since(st.LastUpdate).Round(100*time.Millisecond).String()+" ago"),
		))
	}
	s.WriteString(boxStyle.Render(stats.String()))
	s.WriteString("\n")

	// Cycle timing
	cs := m.status.Cycle
	cycle := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		labelStyle.Render("Ticks:"), valueStyle.Render(fmt.Sprintf("%d", cs.Ticks)),
		labelStyle.Render("Last:"), valueStyle.Render(cs.LastDuration.Round(time.Microsecond).String()),
		labelStyle.Render("Max:"), valueStyle.Render(cs.MaxDuration.Round(time.Microsecond).String()),
		labelStyle.Render("Overruns:"), func() string {
			if cs.Overruns > 0 || cs.Panics > 0 {
				return errorStyle.Render(fmt.Sprintf("%d (panics %d)", cs.Overruns, cs.Panics))
			}
			return valueStyle.Render("0")
		}(),
	)
	if cs.Unclaimed > 0 || cs.Dropped > 0 {
		cycle += "\n" + warningStyle.Render(fmt.Sprintf("Unclaimed packets: %d  Dropped: %d", cs.Unclaimed, cs.Dropped))
	}
	s.WriteString(boxStyle.Render(cycle))
	s.WriteString("\n")

	// Packets by id
	if len(m.packets) > 0 {
		ids := make([]int, 0, len(m.packets))
		for id := range m.packets {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		table := strings.Builder{}
		for i, id := range ids {
			seen := m.packets[uint8(id)]
			if i > 0 {
				table.WriteString("\n")
			}
			table.WriteString(fmt.Sprintf("%s %s  len=%d  %s",
				labelStyle.Render(fmt.Sprintf("0x%02X", seen.id)),
				valueStyle.Render(fmt.Sprintf("%6d", seen.count)),
				seen.length,
				headerStyle.Render(seen.lastSeen.Format(logging.TimeFormat)),
			))
		}
		s.WriteString(boxStyle.Render(table.String()))
		s.WriteString("\n")
	}

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 16 - len(m.packets) // Reserve space for header and stats
	if logHeight < 5 {
		logHeight = 5
	}

	events := renderEvents(m.events, logHeight, headerStyle, errorStyle, warningStyle)
	s.WriteString(boxStyle.Width(m.width - 4).Render(events))

	return s.String()
}

// renderEvents renders the last n entries of an event log.
func renderEvents(log []eventEntry, n int, headerStyle, errorStyle, warningStyle lipgloss.Style) string {
	if len(log) == 0 {
		return headerStyle.Render("  (no events yet)")
	}
	startIdx := len(log) - n
	if startIdx < 0 {
		startIdx = 0
	}

	var s strings.Builder
	for _, entry := range log[startIdx:] {
		timestamp := entry.timestamp.Format(logging.TimeFormat)
		if entry.isError {
			s.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
		} else {
			s.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
		}
	}
	return s.String()
}

// eventWriter turns JSON log lines into event log entries, so runtime
// warnings show up in the TUI instead of corrupting the screen.
type eventWriter struct {
	send func(tea.Msg)
}

func (w eventWriter) Write(p []byte) (int, error) {
	var line struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(p, &line); err != nil {
		return len(p), nil
	}
	msg := line.Message
	if line.Error != "" {
		msg += ": " + line.Error
	}
	w.send(eventMsg{message: msg, isError: line.Level == "error" || line.Level == "warn"})
	return len(p), nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}

	// Callbacks and log lines can fire from inside Update (the d key), so
	// they must not block on the program's message loop
	var prog *tea.Program
	send := func(msg tea.Msg) {
		if prog != nil {
			go prog.Send(msg)
		}
	}

	log, err := logging.New(cfg.Log.Level, logging.FormatJSON, eventWriter{send: send})
	if err != nil {
		return err
	}
	r, err := newRobot(cfg, log)
	if err != nil {
		return err
	}

	r.AddPacketHandler("monitor", nil, func(p *packet.Packet) bool {
		send(packetMsg{id: p.ID(), length: p.DataLength(), at: p.Timestamp()})
		return true
	}, 1<<20)
	r.AddConnectCallback(func() { send(connectedMsg{at: time.Now()}) }, 0)
	r.AddDisconnectNormallyCallback(func() { send(eventMsg{message: "disconnected"}) }, 0)
	r.AddStabilizingCallback(func() { send(eventMsg{message: "link up, stabilizing"}) }, 0)

	model := initialMonitorModel(r, describeLink(cfg), cfg.Protocol.Name, monitorShowAll)
	prog = tea.NewProgram(model, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		return err
	}
	r.ConnectAsync(ctx)

	_, err = prog.Run()

	r.Disconnect()
	r.StopRunning()
	r.Wait()
	return err
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/internal/logging"
	"github.com/Thermoquad/robolink/pkg/link"
	"github.com/Thermoquad/robolink/pkg/packet"
	"github.com/Thermoquad/robolink/pkg/robot"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

// Argument kinds of a console command
const (
	argNone  = "none"
	argInt   = "int"
	argStr   = "str"
	argBytes = "bytes"
)

// Focus states
const (
	focusCommandList = iota
	focusArgInput
	focusSendButton
)

var consoleCommands []string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive command console",
	Long: `Connect and send commands to the robot from a terminal UI.

Pick a command from the list, type its argument and press Enter. PULSE,
OPEN and CLOSE are always available; add device commands with --command
id:name:kind, where kind is one of:
  none   no argument
  int    signed 16-bit integer (-32768..32767)
  str    string of up to 200 bytes
  bytes  two bytes, "high low"

Example:
  robolink console -p /dev/ttyUSB0 --command 11:vel:int --command 12:head:int

Keys:
  Tab/Shift+Tab  switch focus
  Enter          send
  q, ctrl+c      quit`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringArrayVar(&consoleCommands, "command", nil, "Command as id:name:kind (repeatable)")
}

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// commandItem is one entry of the command list
type commandItem struct {
	id   uint8
	name string
	kind string
}

// Implement list.Item interface
func (c commandItem) Title() string       { return fmt.Sprintf("%3d %s", c.id, c.name) }
func (c commandItem) Description() string { return "argument: " + c.kind }
func (c commandItem) FilterValue() string { return c.name }

// parseCommandSpec parses an id:name:kind flag value.
func parseCommandSpec(spec string) (commandItem, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return commandItem{}, fmt.Errorf("command %q: want id:name:kind", spec)
	}
	id, err := strconv.ParseUint(parts[0], 0, 8)
	if err != nil {
		return commandItem{}, fmt.Errorf("command %q: bad id: %w", spec, err)
	}
	switch parts[2] {
	case argNone, argInt, argStr, argBytes:
	default:
		return commandItem{}, fmt.Errorf("command %q: unknown argument kind %q", spec, parts[2])
	}
	return commandItem{id: uint8(id), name: parts[1], kind: parts[2]}, nil
}

func defaultCommands() []commandItem {
	return []commandItem{
		{id: link.CommandPulse, name: "PULSE", kind: argNone},
		{id: link.CommandOpen, name: "OPEN", kind: argNone},
		{id: link.CommandClose, name: "CLOSE", kind: argNone},
	}
}

// sendCommand sends c with the argument text arg.
func sendCommand(r *robot.Robot, c commandItem, arg string) error {
	arg = strings.TrimSpace(arg)
	switch c.kind {
	case argInt:
		v, err := strconv.ParseInt(arg, 0, 16)
		if err != nil {
			return fmt.Errorf("argument %q: %w", arg, err)
		}
		return r.ComInt(c.id, int16(v))
	case argStr:
		return r.ComStr(c.id, arg)
	case argBytes:
		fields := strings.Fields(arg)
		if len(fields) != 2 {
			return fmt.Errorf("argument %q: want two bytes", arg)
		}
		hi, err := strconv.ParseUint(fields[0], 0, 8)
		if err != nil {
			return fmt.Errorf("high byte: %w", err)
		}
		lo, err := strconv.ParseUint(fields[1], 0, 8)
		if err != nil {
			return fmt.Errorf("low byte: %w", err)
		}
		return r.Com2Bytes(c.id, byte(hi), byte(lo))
	default:
		return r.Com(c.id)
	}
}

// consoleModel is the Bubble Tea model for the command console
type consoleModel struct {
	robot    *robot.Robot
	connInfo string

	commandList  list.Model
	argInput     textinput.Model
	focusedField int

	status    robot.Status
	events    []eventEntry
	maxEvents int

	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(r *robot.Robot, connInfo string, commands []commandItem) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "argument"
	ti.CharLimit = robot.MaxStringArg
	ti.Width = 30

	items := make([]list.Item, len(commands))
	for i, c := range commands {
		items[i] = c
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	commandList := list.New(items, delegate, 30, 10)
	commandList.Title = "Commands"
	commandList.SetShowStatusBar(false)
	commandList.SetShowHelp(false)
	commandList.SetFilteringEnabled(false)

	return consoleModel{
		robot:        r,
		connInfo:     connInfo,
		commandList:  commandList,
		argInput:     ti,
		focusedField: focusCommandList,
		status:       r.Stats(),
		maxEvents:    100,
		width:        80,
		height:       24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case monitorTickMsg:
		m.status = m.robot.Stats()
		return m, monitorTickCmd()

	case connectedMsg:
		m.addEvent("connected", false)

	case eventMsg:
		m.addEvent(msg.message, msg.isError)

	case packetMsg:
		m.addEvent(fmt.Sprintf("reply id=0x%02X len=%d", msg.id, msg.length), false)
	}

	var cmd tea.Cmd
	if m.focusedField == focusCommandList {
		m.commandList, cmd = m.commandList.Update(msg)
	}
	return m, cmd
}

func (m *consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		// q is text while typing an argument
		if m.focusedField != focusArgInput {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab":
		return m.cycleFocus(1), nil

	case "shift+tab":
		return m.cycleFocus(-1), nil

	case "enter":
		m.send()
		return m, nil
	}

	// Pass through to focused component
	var cmd tea.Cmd
	switch m.focusedField {
	case focusArgInput:
		m.argInput, cmd = m.argInput.Update(msg)
	case focusCommandList:
		m.commandList, cmd = m.commandList.Update(msg)
	}
	return m, cmd
}

func (m *consoleModel) cycleFocus(delta int) *consoleModel {
	const n = focusSendButton + 1
	m.focusedField = (m.focusedField + delta + n) % n

	// Skip the argument for commands that take none
	if c, ok := m.selected(); ok && c.kind == argNone && m.focusedField == focusArgInput {
		m.focusedField = (m.focusedField + delta + n) % n
	}

	if m.focusedField == focusArgInput {
		m.argInput.Focus()
	} else {
		m.argInput.Blur()
	}
	return m
}

func (m *consoleModel) selected() (commandItem, bool) {
	c, ok := m.commandList.SelectedItem().(commandItem)
	return c, ok
}

func (m *consoleModel) send() {
	c, ok := m.selected()
	if !ok {
		return
	}
	arg := m.argInput.Value()
	if err := sendCommand(m.robot, c, arg); err != nil {
		m.addEvent(fmt.Sprintf("%s: %v", c.name, err), true)
		return
	}
	if c.kind == argNone {
		m.addEvent(fmt.Sprintf("sent %s", c.name), false)
	} else {
		m.addEvent(fmt.Sprintf("sent %s %s", c.name, strings.TrimSpace(arg)), false)
	}
}

func (m *consoleModel) addEvent(message string, isError bool) {
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

func (m *consoleModel) updateListSize() {
	// Adjust list size based on terminal size
	listHeight := m.height / 3
	if listHeight < 5 {
		listHeight = 5
	}
	m.commandList.SetSize(28, listHeight)
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

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

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	buttonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("12")).
		Padding(0, 2)

	focusedButtonStyle := buttonStyle.
		Background(lipgloss.Color("10"))

	// Header
	s.WriteString(titleStyle.Render("ROBOLINK CONSOLE"))
	s.WriteString(" ")
	state := m.status.State
	if state == link.Connected.String() {
		state = valueStyle.Render(state)
	} else {
		state = warningStyle.Render(state)
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | ", m.connInfo)) + state +
		headerStyle.Render(" | q=quit Tab=switch Enter=send"))
	s.WriteString("\n\n")

	// Layout: left panel (commands) | right panel (argument and send)
	leftWidth := 30
	rightWidth := m.width - leftWidth - 6

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusCommandList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	commandPanel := listStyle.Render(m.commandList.View())

	var control strings.Builder
	if c, ok := m.selected(); ok {
		control.WriteString(fmt.Sprintf("%s %s (id %d)\n\n", labelStyle.Render("Command:"), valueStyle.Render(c.name), c.id))
		if c.kind != argNone {
			control.WriteString(labelStyle.Render(fmt.Sprintf("Argument (%s): ", c.kind)))
			if m.focusedField == focusArgInput {
				control.WriteString(m.argInput.View())
			} else {
				control.WriteString(fmt.Sprintf("[%s]", m.argInput.Value()))
			}
			control.WriteString("\n\n")
		}
		btnText := "[ Send ]"
		if m.focusedField == focusSendButton {
			control.WriteString(focusedButtonStyle.Render(btnText))
		} else {
			control.WriteString(buttonStyle.Render(btnText))
		}
	}
	st := m.status.Statistics
	control.WriteString(fmt.Sprintf("\n\n%s %s   %s %s   %s %s",
		labelStyle.Render("In:"), valueStyle.Render(fmt.Sprintf("%d frames", st.ValidFrames)),
		labelStyle.Render("Out:"), valueStyle.Render(fmt.Sprintf("%d pkts", st.PacketsOut)),
		labelStyle.Render("Errors:"), func() string {
			if n := st.ChecksumErrors + st.FramingErrors; n > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", n))
			}
			return valueStyle.Render("0")
		}(),
	))
	controlPanel := boxStyle.Width(rightWidth).Render(control.String())

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, commandPanel, " ", controlPanel))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	logHeight := m.height - m.height/3 - 12
	if logHeight < 5 {
		logHeight = 5
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(renderEvents(m.events, logHeight, headerStyle, errorStyle, warningStyle)))

	return s.String()
}

func runConsole(cmd *cobra.Command, args []string) error {
	commands := defaultCommands()
	for _, spec := range consoleCommands {
		c, err := parseCommandSpec(spec)
		if err != nil {
			return err
		}
		commands = append(commands, c)
	}

	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}

	// See runMonitor
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

	r.AddPacketHandler("console", nil, func(p *packet.Packet) bool {
		send(packetMsg{id: p.ID(), length: p.DataLength(), at: p.Timestamp()})
		return true
	}, 1<<20)
	r.AddConnectCallback(func() { send(connectedMsg{at: time.Now()}) }, 0)
	r.AddDisconnectNormallyCallback(func() { send(eventMsg{message: "disconnected"}) }, 0)

	prog = tea.NewProgram(initialConsoleModel(r, describeLink(cfg), commands), tea.WithAltScreen())

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

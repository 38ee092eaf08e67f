// ABOUTME: Bubbletea model for the voice client TUI
// ABOUTME: Shows speakers with loss, desync and rate and handles talk keys
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const (
	maxVolume  = 200
	volumeStep = 5
	maxTexts   = 4
)

// Model represents the TUI state
type Model struct {
	// Connection
	connected  bool
	serverName string
	session    uint32
	clientID   uint16
	format     string
	rooms      []string
	peers      int

	// Local controls
	transmit bool
	muted    bool
	volume   int

	// Remote speakers
	speakers []SpeakerRow
	texts    []string

	// Stats
	received     uint64
	wrongSession uint64
	malformed    uint64
	captured     uint64
	sendDropped  uint64

	showDebug bool
	control   *Control

	// Dimensions
	width  int
	height int
}

// SpeakerRow is one remote speaker line.
type SpeakerRow struct {
	ID       uint16
	Name     string
	Talking  bool
	Muted    bool
	Priority string
	Loss     float64
	Desync   time.Duration
	Rate     float64
	Pending  int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case TextMsg:
		m.texts = append(m.texts, string(msg))
		if len(m.texts) > maxTexts {
			m.texts = m.texts[len(m.texts)-maxTexts:]
		}
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderControls())
	b.WriteString(m.renderSpeakers())
	b.WriteString(m.renderTexts())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	connStatus := "Disconnected"
	if m.connected {
		connStatus = fmt.Sprintf("Connected to %s as #%d", m.serverName, m.clientID)
	}
	rooms := "-"
	if len(m.rooms) > 0 {
		rooms = strings.Join(m.rooms, ", ")
	}

	return fmt.Sprintf(`┌─ Resonate Voice ─────────────────────────────────────┐
│ Status: %-44s │
│ Rooms:  %-44s │
│ Codec:  %-20s Peers: %-17d │
├──────────────────────────────────────────────────────┤
`, truncate(connStatus, 44), truncate(rooms, 44), m.format, m.peers)
}

func (m Model) renderControls() string {
	tx := "off"
	if m.transmit {
		tx = "ON AIR"
	}
	muteIcon := ""
	if m.muted {
		muteIcon = " (muted)"
	}
	volumeBar := renderBar(m.volume, maxVolume, 10)

	return fmt.Sprintf("│ Transmit: %-42s │\n"+
		"│ Volume:   [%s] %3d%%%-23s │\n"+
		"├──────────────────────────────────────────────────────┤\n",
		tx, volumeBar, m.volume, muteIcon)
}

func (m Model) renderSpeakers() string {
	if len(m.speakers) == 0 {
		return "│ No speakers                                          │\n"
	}
	var b strings.Builder
	b.WriteString("│    ID  Name         Loss   Desync    Rate   Pri      │\n")
	for _, sp := range m.speakers {
		icon := " "
		switch {
		case sp.Muted:
			icon = "x"
		case sp.Talking:
			icon = "*"
		}
		fmt.Fprintf(&b, "│ %s %4d  %-11s %4.1f%% %+6.1fms %6.3f  %-7s │\n",
			icon, sp.ID, truncate(sp.Name, 11), sp.Loss*100,
			float64(sp.Desync)/float64(time.Millisecond), sp.Rate, sp.Priority)
	}
	return b.String()
}

func (m Model) renderTexts() string {
	if len(m.texts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("├──────────────────────────────────────────────────────┤\n")
	for _, t := range m.texts {
		fmt.Fprintf(&b, "│ %-52s │\n", truncate(t, 52))
	}
	return b.String()
}

func (m Model) renderDebug() string {
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ DEBUG: session %08x                                │
│   RX: %d  Wrong session: %d  Malformed: %d%-8s │
│   Captured: %d  Send dropped: %d%-16s │
`, m.session, m.received, m.wrongSession, m.malformed, "", m.captured, m.sendDropped, "")
}

func (m Model) renderHelp() string {
	return `│ t:Talk  m:Mute  ↑/↓:Volume  d:Debug  q:Quit          │
└──────────────────────────────────────────────────────┘
`
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.control.quit()
		return m, tea.Quit
	case "t", " ":
		m.transmit = !m.transmit
		m.control.send(m.controlMsg())
	case "m":
		m.muted = !m.muted
		m.control.send(m.controlMsg())
	case "up":
		if m.volume < maxVolume {
			m.volume = min(m.volume+volumeStep, maxVolume)
			m.control.send(m.controlMsg())
		}
	case "down":
		if m.volume > 0 {
			m.volume = max(m.volume-volumeStep, 0)
			m.control.send(m.controlMsg())
		}
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

func (m Model) controlMsg() ControlMsg {
	return ControlMsg{Transmit: m.transmit, Muted: m.muted, Volume: m.volume}
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.ServerName != "" {
		m.serverName = msg.ServerName
	}
	if msg.Format != "" {
		m.format = msg.Format
	}
	if msg.Session != 0 {
		m.session = msg.Session
		m.clientID = msg.ClientID
	}
	if msg.Rooms != nil {
		m.rooms = msg.Rooms
	}
	m.peers = msg.Peers
	m.speakers = msg.Speakers
	m.received = msg.Received
	m.wrongSession = msg.WrongSession
	m.malformed = msg.Malformed
	m.captured = msg.Captured
	m.sendDropped = msg.SendDropped
}

// StatusMsg updates TUI state
type StatusMsg struct {
	Connected    *bool
	ServerName   string
	Format       string
	Session      uint32
	ClientID     uint16
	Rooms        []string
	Peers        int
	Speakers     []SpeakerRow
	Received     uint64
	WrongSession uint64
	Malformed    uint64
	Captured     uint64
	SendDropped  uint64
}

// TextMsg appends a chat line.
type TextMsg string

func renderBar(value, limit, width int) string {
	filled := (value * width) / limit
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

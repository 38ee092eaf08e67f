// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and converts client stats for display
package ui

import (
	"github.com/Resonate-Protocol/resonate-voice/pkg/resonate"
	tea "github.com/charmbracelet/bubbletea"
)

// ControlMsg is the local control state after a key press.
type ControlMsg struct {
	Transmit bool
	Muted    bool
	// Volume is a percentage of unity gain, 0 to 200.
	Volume int
}

// Gain converts Volume to a mixer gain.
func (c ControlMsg) Gain() float32 {
	return float32(c.Volume) / 100
}

// Control holds channels for key presses that act on the client
type Control struct {
	Changes chan ControlMsg
	Quit    chan struct{}
}

// NewControl creates a new control handler
func NewControl() *Control {
	return &Control{
		Changes: make(chan ControlMsg, 10),
		Quit:    make(chan struct{}, 1),
	}
}

func (c *Control) send(msg ControlMsg) {
	if c == nil {
		return
	}
	select {
	case c.Changes <- msg:
	default:
	}
}

func (c *Control) quit() {
	if c == nil {
		return
	}
	select {
	case c.Quit <- struct{}{}:
	default:
	}
}

// NewModel creates a new TUI model. volume is a percentage of unity gain.
func NewModel(control *Control, volume int) Model {
	return Model{
		volume:  volume,
		control: control,
	}
}

// Run starts the TUI
func Run(control *Control, volume int) *tea.Program {
	return tea.NewProgram(NewModel(control, volume), tea.WithAltScreen())
}

// StatusFromStats builds a status update from a client snapshot. names
// maps peer ids to display names.
func StatusFromStats(st resonate.Stats, names map[uint16]string) StatusMsg {
	connected := st.Connected
	msg := StatusMsg{
		Connected:    &connected,
		Session:      st.Session,
		ClientID:     st.ClientID,
		Peers:        len(names),
		Received:     st.Receiver.Received,
		WrongSession: st.Receiver.WrongSession,
		Malformed:    st.Receiver.Malformed,
		Captured:     st.Capture.Captured,
		SendDropped:  st.SendDropped,
	}
	for _, sp := range st.Speakers {
		msg.Speakers = append(msg.Speakers, SpeakerRow{
			ID:       sp.ID,
			Name:     names[sp.ID],
			Talking:  sp.Talking,
			Muted:    sp.Muted,
			Priority: sp.Options.Priority.String(),
			Loss:     sp.Pipeline.Jitter.LossRatio,
			Desync:   sp.Pipeline.Sync.Desync,
			Rate:     sp.Pipeline.Sync.Rate,
			Pending:  sp.Pending,
		})
	}
	return msg
}

package ui

import (
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

const sidebarWidth = 28

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	historyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	currentStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	sidebarStyle   = lipgloss.NewStyle().
			Width(sidebarWidth).
			PaddingLeft(1).
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("238"))
)

type line struct {
	text    string
	history bool
}

type ModelOption func(*Model)

// WithClipboard replaces the system clipboard used by ctrl+y.
func WithClipboard(write func(string) error) ModelOption {
	return func(m *Model) { m.copy = write }
}

// Model is the chat window: transcript on the left, rooms and partakers on the right,
// the input line at the bottom.
type Model struct {
	bridge *Bridge
	copy   func(string) error

	viewport viewport.Model
	input    textinput.Model
	// submitted is the input value last handed to the channel, awaiting its clear.
	submitted string

	userID    string
	roomID    string
	lines     []line
	partakers []webchat.Partaker
	rooms     []webchat.RoomDescriptor

	status    string
	statusErr bool
	width     int
	height    int
}

func NewModel(bridge *Bridge, userID, roomID string, opts ...ModelOption) Model {
	ti := textinput.New()
	ti.Placeholder = "Say something, or /join <room>, /create <name>, /quit"
	ti.Prompt = "> "
	ti.CharLimit = 2000
	ti.Focus()

	m := Model{
		bridge:   bridge,
		copy:     clipboard.WriteAll,
		viewport: viewport.New(80, 20),
		input:    ti,
		userID:   userID,
		roomID:   roomID,
	}
	for _, o := range opts {
		o(&m)
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.bridge.waitForEvent())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(ev.Width, ev.Height)
		return m, nil

	case tea.KeyMsg:
		switch ev.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlY:
			return m.copyTranscript(), nil
		case tea.KeyEnter:
			return m.submitLine()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case MessageAppendedMsg:
		m.lines = append(m.lines, line{text: RenderText(ev.Message.DisplayText), history: ev.Message.Origin == webchat.OriginHistory})
		m.refreshTranscript()
		return m, m.bridge.waitForEvent()

	case PartakersMsg:
		if ev.RoomID == m.roomID {
			m.partakers = append([]webchat.Partaker(nil), ev.Partakers...)
		}
		return m, m.bridge.waitForEvent()

	case PartakerUpdatedMsg:
		if ev.RoomID == m.roomID {
			m.partakers = upsertPartaker(m.partakers, ev.Partaker)
		}
		return m, m.bridge.waitForEvent()

	case RoomsMsg:
		m.rooms = ev.Rooms
		return m, m.bridge.waitForEvent()

	case RoomCreatedMsg:
		m.setStatus(fmt.Sprintf("room %q created, /join %s to enter", ev.Room.DisplayName, ev.Room.RoomID), false)
		return m, m.bridge.waitForEvent()

	case ErrorMsg:
		m.setStatus(ev.Err.Error(), true)
		return m, m.bridge.waitForEvent()

	case RoomSwitchedMsg:
		m.userID, m.roomID = ev.UserID, ev.RoomID
		m.lines = nil
		m.partakers = nil
		m.refreshTranscript()
		m.setStatus("joined "+m.roomLabel(), false)
		return m, m.bridge.waitForEvent()

	case inputClearedMsg:
		// keep whatever was typed after Enter
		if m.input.Value() == m.submitted {
			m.input.Reset()
		}
		m.submitted = ""
		return m, m.bridge.waitForEvent()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submitLine() (tea.Model, tea.Cmd) {
	text := m.input.Value()
	if strings.TrimSpace(text) == "" {
		return m, nil
	}
	c, isCommand, err := ParseCommand(text)
	if !isCommand {
		// the input is cleared once the channel confirms the publish
		m.submitted = text
		return m, m.bridge.submit(Unescape(text))
	}
	m.input.Reset()
	if err != nil {
		m.setStatus(err.Error(), true)
		return m, nil
	}
	if c.Kind == CommandQuit {
		return m, tea.Quit
	}
	m.setStatus(c.Kind.String()+" "+c.Arg+"…", false)
	return m, m.bridge.command(c)
}

func (m Model) copyTranscript() Model {
	if err := m.copy(m.Transcript()); err != nil {
		m.setStatus("copy failed: "+err.Error(), true)
		return m
	}
	m.setStatus(fmt.Sprintf("copied %d lines", len(m.lines)), false)
	return m
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status, m.statusErr = s, isErr
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	m.viewport.Width = max(w-sidebarWidth-2, 20)
	m.viewport.Height = max(h-4, 3)
	m.input.Width = max(w-4, 10)
	m.refreshTranscript()
}

// Transcript is the plain text of every line shown, oldest first.
func (m Model) Transcript() string {
	texts := make([]string, len(m.lines))
	for i, l := range m.lines {
		texts[i] = l.text
	}
	return strings.Join(texts, "\n")
}

func (m *Model) refreshTranscript() {
	rendered := make([]string, len(m.lines))
	for i, l := range m.lines {
		if l.history {
			rendered[i] = historyStyle.Render(l.text)
		} else {
			rendered[i] = l.text
		}
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) roomLabel() string {
	for _, r := range m.rooms {
		if r.RoomID == m.roomID && r.DisplayName != "" {
			return r.DisplayName
		}
	}
	return m.roomID
}

func (m Model) View() string {
	header := headerStyle.Render("chatty") + " " + subHeaderStyle.Render("#"+m.roomLabel())
	if m.userID != "" {
		header += " " + historyStyle.Render("as "+m.userID)
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.viewport.View(), sidebarStyle.Render(m.sidebarView()))
	status := statusStyle.Render(m.status)
	if m.statusErr {
		status = errorStyle.Render(m.status)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, status, m.input.View())
}

func (m Model) sidebarView() string {
	var b strings.Builder
	b.WriteString(subHeaderStyle.Render("Rooms") + "\n")
	if len(m.rooms) == 0 {
		b.WriteString(historyStyle.Render("none yet") + "\n")
	}
	for _, r := range m.rooms {
		name := r.DisplayName
		if name == "" {
			name = r.RoomID
		}
		if r.RoomID == m.roomID {
			b.WriteString(currentStyle.Render("• "+name) + "\n")
		} else {
			b.WriteString("  " + name + "\n")
		}
	}
	b.WriteString("\n" + subHeaderStyle.Render(fmt.Sprintf("Here (%d)", len(m.partakers))) + "\n")
	for _, p := range m.partakers {
		b.WriteString(partakerLine(p) + "\n")
	}
	return b.String()
}

func partakerLine(p webchat.Partaker) string {
	switch {
	case p.Err != nil:
		return failedStyle.Render(p.UserID + " (?)")
	case !p.Resolved:
		return pendingStyle.Render(p.UserID)
	default:
		return p.Label()
	}
}

func upsertPartaker(list []webchat.Partaker, p webchat.Partaker) []webchat.Partaker {
	out := append([]webchat.Partaker(nil), list...)
	for i := range out {
		if out[i].UserID == p.UserID {
			out[i] = p
			return out
		}
	}
	return append(out, p)
}

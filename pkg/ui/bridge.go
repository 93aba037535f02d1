package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

// Messages the Bridge hands to the bubbletea program.
type (
	MessageAppendedMsg struct{ Message webchat.ChatMessage }
	PartakersMsg       struct {
		RoomID    string
		Partakers []webchat.Partaker
	}
	PartakerUpdatedMsg struct {
		RoomID   string
		Partaker webchat.Partaker
	}
	RoomsMsg        struct{ Rooms []webchat.RoomDescriptor }
	RoomCreatedMsg  struct{ Room webchat.RoomDescriptor }
	ErrorMsg        struct{ Err error }
	RoomSwitchedMsg struct {
		UserID string
		RoomID string
	}
	inputClearedMsg struct{}
)

// Bridge adapts a channel's render sink and input source to a bubbletea program. It outlives
// individual channels, so a room switch keeps the same window.
type Bridge struct {
	events      chan tea.Msg
	submissions chan string
	commands    chan Command

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ webchat.RenderSink          = (*Bridge)(nil)
	_ webchat.RoomCreatedNotifier = (*Bridge)(nil)
	_ webchat.ErrorReporter       = (*Bridge)(nil)
	_ webchat.InputSource         = (*Bridge)(nil)
)

func NewBridge() *Bridge {
	return &Bridge{
		events:      make(chan tea.Msg, 256),
		submissions: make(chan string),
		commands:    make(chan Command, 8),
		done:        make(chan struct{}),
	}
}

// emit blocks until the UI takes msg or the bridge is closed.
func (b *Bridge) emit(msg tea.Msg) {
	if b.closed() {
		return
	}
	select {
	case b.events <- msg:
	case <-b.done:
	}
}

func (b *Bridge) Events() <-chan tea.Msg { return b.events }

func (b *Bridge) AppendMessage(msg webchat.ChatMessage) { b.emit(MessageAppendedMsg{Message: msg}) }

func (b *Bridge) ReplacePartakers(roomID string, partakers []webchat.Partaker) {
	b.emit(PartakersMsg{RoomID: roomID, Partakers: append([]webchat.Partaker(nil), partakers...)})
}

func (b *Bridge) UpdatePartaker(roomID string, partaker webchat.Partaker) {
	b.emit(PartakerUpdatedMsg{RoomID: roomID, Partaker: partaker})
}

func (b *Bridge) ReplaceRooms(rooms []webchat.RoomDescriptor) {
	b.emit(RoomsMsg{Rooms: append([]webchat.RoomDescriptor(nil), rooms...)})
}

func (b *Bridge) RoomCreated(room webchat.RoomDescriptor) { b.emit(RoomCreatedMsg{Room: room}) }

func (b *Bridge) ReportError(err error) { b.emit(ErrorMsg{Err: err}) }

// SwitchedRoom tells the UI a new channel took over; the transcript and roster are reset.
func (b *Bridge) SwitchedRoom(userID, roomID string) {
	b.emit(RoomSwitchedMsg{UserID: userID, RoomID: roomID})
}

func (b *Bridge) Submissions() <-chan string { return b.submissions }

func (b *Bridge) Clear() { b.emit(inputClearedMsg{}) }

func (b *Bridge) Commands() <-chan Command { return b.commands }

func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Bridge) submit(text string) tea.Cmd {
	return func() tea.Msg {
		select {
		case b.submissions <- text:
		case <-b.done:
		}
		return nil
	}
}

func (b *Bridge) command(c Command) tea.Cmd {
	return func() tea.Msg {
		select {
		case b.commands <- c:
		case <-b.done:
		}
		return nil
	}
}

func (b *Bridge) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		if b.closed() {
			return nil
		}
		select {
		case e := <-b.events:
			return e
		case <-b.done:
			return nil
		}
	}
}

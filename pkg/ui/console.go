package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

// Console is the line-oriented front end used when stdout is not a terminal or the
// plain mode is requested. Each rendered event becomes one line on out.
type Console struct {
	in  io.Reader
	out io.Writer

	mu     sync.Mutex
	roomID string

	submissions chan string
	commands    chan Command
}

var (
	_ webchat.RenderSink          = (*Console)(nil)
	_ webchat.RoomCreatedNotifier = (*Console)(nil)
	_ webchat.ErrorReporter       = (*Console)(nil)
	_ webchat.InputSource         = (*Console)(nil)
)

func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:          in,
		out:         out,
		submissions: make(chan string),
		commands:    make(chan Command, 8),
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *Console) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Console) AppendMessage(msg webchat.ChatMessage) {
	c.printf("%s", RenderText(msg.DisplayText))
}

func (c *Console) ReplacePartakers(roomID string, partakers []webchat.Partaker) {
	if roomID != c.currentRoom() {
		return
	}
	labels := make([]string, 0, len(partakers))
	for _, p := range partakers {
		labels = append(labels, p.Label())
	}
	c.printf("* here: %s", strings.Join(labels, ", "))
}

func (c *Console) UpdatePartaker(roomID string, p webchat.Partaker) {
	if roomID != c.currentRoom() {
		return
	}
	if p.Err != nil {
		c.printf("* could not resolve %s: %v", p.UserID, p.Err)
		return
	}
	c.printf("* %s is %s", p.UserID, p.Label())
}

func (c *Console) ReplaceRooms(rooms []webchat.RoomDescriptor) {
	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		names = append(names, fmt.Sprintf("%s (%s)", r.DisplayName, r.RoomID))
	}
	c.printf("* rooms: %s", strings.Join(names, ", "))
}

func (c *Console) RoomCreated(room webchat.RoomDescriptor) {
	c.printf("* room %q created, /join %s to enter", room.DisplayName, room.RoomID)
}

func (c *Console) ReportError(err error) { c.printf("! %v", err) }

func (c *Console) SwitchedRoom(userID, roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
	c.printf("* joined %s as %s", roomID, userID)
}

func (c *Console) Submissions() <-chan string { return c.submissions }

// Clear is a no-op: a submitted line is already gone from a terminal's line editor.
func (c *Console) Clear() {}

func (c *Console) Commands() <-chan Command { return c.commands }

// Run reads lines until EOF or ctx is done. EOF is reported as a quit command.
func (c *Console) Run(ctx context.Context) error {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		cmd, isCommand, err := ParseCommand(text)
		switch {
		case isCommand && err != nil:
			c.printf("! %v", err)
			continue
		case isCommand:
			if !c.sendCommand(ctx, cmd) {
				return nil
			}
			continue
		}
		select {
		case c.submissions <- Unescape(text):
		case <-ctx.Done():
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read input")
	}
	c.sendCommand(ctx, Command{Kind: CommandQuit})
	return nil
}

func (c *Console) sendCommand(ctx context.Context, cmd Command) bool {
	select {
	case c.commands <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}

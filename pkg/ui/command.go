package ui

import (
	"html"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

type CommandKind int

const (
	CommandJoin CommandKind = iota + 1
	CommandCreate
	CommandQuit
)

func (k CommandKind) String() string {
	switch k {
	case CommandJoin:
		return "join"
	case CommandCreate:
		return "create"
	case CommandQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Command is a slash command typed into the input line. Commands are handled by the
// session runner, never published to the room.
type Command struct {
	Kind CommandKind
	Arg  string
}

// ParseCommand reports whether line is a slash command. A "//" prefix escapes a literal slash.
func ParseCommand(line string) (Command, bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return Command{}, false, nil
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "join", "j":
		if arg == "" {
			return Command{}, true, errors.New("usage: /join <room id>")
		}
		return Command{Kind: CommandJoin, Arg: arg}, true, nil
	case "create", "new":
		if arg == "" {
			return Command{}, true, errors.New("usage: /create <room name>")
		}
		return Command{Kind: CommandCreate, Arg: arg}, true, nil
	case "quit", "q", "exit":
		return Command{Kind: CommandQuit}, true, nil
	default:
		return Command{}, true, errors.Errorf("unknown command /%s (try /join, /create or /quit)", name)
	}
}

// Unescape turns a "//" escaped line back into the text to send.
func Unescape(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "//") {
		return strings.Replace(line, "//", "/", 1)
	}
	return line
}

var tagPattern = regexp.MustCompile(`<[a-zA-Z/][^>]*>`)

// RenderText turns a server display fragment into terminal text: markup is dropped and
// entities are decoded, so "&lt;a@x&gt;" shows as "<a@x>".
func RenderText(fragment string) string {
	return html.UnescapeString(tagPattern.ReplaceAllString(fragment, ""))
}

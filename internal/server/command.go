package server

import "strings"

const (
	joinPrefix = "/join"
	exitLine   = "/exit"
)

// Command is one parsed client line.
type Command interface {
	// Name labels the command in metrics and logs.
	Name() string
}

// JoinChannel moves the sender to Channel.
type JoinChannel struct {
	Channel string
}

// PrivateMessage delivers Text to Target only.
type PrivateMessage struct {
	Target string
	Text   string
}

// Exit ends the session.
type Exit struct{}

// Broadcast sends Text to the sender's current channel.
type Broadcast struct {
	Text string
}

func (JoinChannel) Name() string    { return "join" }
func (PrivateMessage) Name() string { return "private" }
func (Exit) Name() string           { return "exit" }
func (Broadcast) Name() string      { return "broadcast" }

// ParseCommand parses a line. Commands are case-sensitive and only
// recognized at the start of the line; anything else is a Broadcast.
// Malformed commands return an ErrMalformedCommand error.
func ParseCommand(line string) (Command, error) {
	switch {
	case strings.TrimRight(line, " \t") == exitLine:
		return Exit{}, nil

	case line == joinPrefix || strings.HasPrefix(line, joinPrefix+" "):
		channel := strings.TrimSpace(strings.TrimPrefix(line, joinPrefix))
		if channel == "" {
			return nil, NewError(ErrMalformedCommand, "Usage: /join <channel>", nil)
		}
		if !isValidChannelName(channel) {
			return nil, NewError(ErrMalformedCommand, "Channel names cannot contain spaces or commas.", nil)
		}
		return JoinChannel{Channel: channel}, nil

	case strings.HasPrefix(line, "@"):
		fields := strings.Fields(line)
		target := strings.TrimPrefix(fields[0], "@")
		text := strings.Join(fields[1:], " ")
		if target == "" || text == "" {
			return nil, NewError(ErrMalformedCommand, "Usage: @<nickname> <message>", nil)
		}
		return PrivateMessage{Target: target, Text: text}, nil

	default:
		return Broadcast{Text: line}, nil
	}
}

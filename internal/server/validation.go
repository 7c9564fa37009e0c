package server

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

func validateNick(nick string, maxLen int) error {
	if nick == "" {
		return NewError(ErrInvalidNickname, "No nickname given.", nil)
	}
	if maxLen > 0 && utf8.RuneCountInString(nick) > maxLen {
		return NewError(ErrInvalidNickname, fmt.Sprintf("Nickname must be at most %d characters.", maxLen), nil)
	}
	if strings.HasPrefix(nick, "/") || strings.HasPrefix(nick, "@") {
		return NewError(ErrInvalidNickname, "Nickname must not start with '/' or '@'.", nil)
	}
	if strings.IndexFunc(nick, unicode.IsSpace) >= 0 {
		return NewError(ErrInvalidNickname, "Nickname must not contain spaces.", nil)
	}
	return nil
}

func isValidChannelName(name string) bool {
	if name == "" || strings.ContainsRune(name, ',') {
		return false
	}
	return strings.IndexFunc(name, unicode.IsSpace) < 0
}

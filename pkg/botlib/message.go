// Package botlib provides a simple library for building musserver bots.
package botlib

import (
	"strings"
)

// Message is a group broadcast or direct message received by the bot.
type Message struct {
	Group   string // empty for direct messages
	Sender  string
	Subject string
	Content []byte

	// Internal: the bot's user name for mention detection
	botName string
}

// IsDirect returns true if the message was sent to the bot alone.
func (m *Message) IsDirect() bool {
	return m.Group == ""
}

// Text returns the content as a string.
func (m *Message) Text() string {
	return string(m.Content)
}

// MentionsMe returns true if the message text mentions the bot.
// Checks for @name patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botName == "" {
		return false
	}

	content := strings.ToLower(m.Text())
	name := strings.ToLower(m.botName)

	if strings.Contains(content, "@"+name) {
		return true
	}

	// Name at the start of the message also counts
	return strings.HasPrefix(content, name+":") ||
		strings.HasPrefix(content, name+",") ||
		strings.HasPrefix(content, name+" ")
}

// MentionedContent returns the text with the bot mention removed.
// Useful for extracting the actual command.
func (m *Message) MentionedContent() string {
	content := m.Text()
	if m.botName == "" {
		return content
	}

	name := m.botName
	lowerName := strings.ToLower(name)

	// Remove @name mentions in any case
	for {
		i := strings.Index(strings.ToLower(content), "@"+lowerName)
		if i < 0 {
			break
		}
		content = content[:i] + content[i+1+len(name):]
	}

	lower := strings.ToLower(content)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerName+sep) {
			content = content[len(name)+1:]
			break
		}
	}

	return strings.TrimSpace(content)
}

// Call is a remote method invocation addressed to the bot.
type Call struct {
	Sender string
	Method string
	Args   []byte
}

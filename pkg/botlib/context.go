package botlib

import (
	"fmt"
)

// Context provides methods for responding to messages and calls.
// It is passed to handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
	call    *Call
}

// Message returns the message that triggered this context, nil for calls.
func (c *Context) Message() *Message {
	return c.message
}

// Call returns the remote call that triggered this context, nil for messages.
func (c *Context) Call() *Call {
	return c.call
}

// Author returns the user name of whoever triggered the handler.
func (c *Context) Author() string {
	if c.call != nil {
		return c.call.Sender
	}
	return c.message.Sender
}

// Reply answers where the trigger came from: the group for group messages,
// the sender for direct messages and calls. Calls are answered with a
// direct message whose subject is the method name.
func (c *Context) Reply(content string) error {
	switch {
	case c.call != nil:
		return c.bot.client.SendToUser(c.call.Sender, c.call.Method, []byte(content))
	case c.message.IsDirect():
		return c.bot.client.SendToUser(c.message.Sender, c.message.Subject, []byte(content))
	default:
		_, err := c.bot.client.SendToGroup(c.message.Group, c.message.Subject, []byte(content), false)
		return err
	}
}

// ReplyDirect always answers the author privately.
func (c *Context) ReplyDirect(subject, content string) error {
	return c.bot.client.SendToUser(c.Author(), subject, []byte(content))
}

// CallBack invokes method on the author's client.
func (c *Context) CallBack(method string, args []byte) error {
	return c.bot.client.CallRemoteMethod(c.Author(), method, args)
}

// BotName returns the name the bot logged in with.
func (c *Context) BotName() string {
	return c.bot.name
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	if c.call != nil {
		return fmt.Sprintf("Context{call=%s, author=%s}", c.call.Method, c.call.Sender)
	}
	return fmt.Sprintf("Context{group=%q, subject=%q, author=%s}", c.message.Group, c.message.Subject, c.message.Sender)
}

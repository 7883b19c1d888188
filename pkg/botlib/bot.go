package botlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aeolun/musserver/pkg/client"
	"github.com/aeolun/musserver/pkg/protocol"
)

// MessageHandler is called when a message is received.
type MessageHandler func(ctx *Context, msg *Message)

// CallHandler is called for a remote method the bot registered.
type CallHandler func(ctx *Context, call *Call)

// MembershipHandler is called when a user joins or leaves a group the bot is in.
type MembershipHandler func(group, user string, reason uint8)

// Config holds the bot configuration.
type Config struct {
	// Server address (host:port, ssh://host or ws://host)
	Server string

	// Movie to log in to and the bot's user name in it
	Movie string
	Name  string

	// Password or token, if the server requires one
	Password string

	// Groups to join after login
	Groups []string

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration

	// PingInterval for keepalive (default: 30s)
	PingInterval time.Duration

	// Dial passes transport settings such as SSH credentials
	Dial client.Options
}

// Bot represents a musserver bot instance.
type Bot struct {
	config Config
	client *client.Client
	logger *log.Logger
	name   string

	onMessage    MessageHandler
	onDirect     MessageHandler
	onMention    MessageHandler
	onMembership MembershipHandler

	methodsMu sync.RWMutex
	methods   map[string]CallHandler

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}

	return &Bot{
		config:  config,
		logger:  config.Logger,
		name:    config.Name,
		methods: make(map[string]CallHandler),
		stopCh:  make(chan struct{}),
	}
}

// OnMessage registers a handler for group messages that do not mention the bot.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnDirect registers a handler for direct messages.
func (b *Bot) OnDirect(handler MessageHandler) {
	b.onDirect = handler
}

// OnMention registers a handler for group messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// OnMembership registers a handler for membership changes.
func (b *Bot) OnMembership(handler MembershipHandler) {
	b.onMembership = handler
}

// Handle registers a handler for remote calls of method.
func (b *Bot) Handle(method string, handler CallHandler) {
	b.methodsMu.Lock()
	b.methods[method] = handler
	b.methodsMu.Unlock()
}

// Run connects to the server and processes notifications. It blocks until
// ctx is done, Stop is called or the connection is lost.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Printf("Connecting to %s...", b.config.Server)
	c, err := client.Connect(b.config.Server, b.config.Dial)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	c.SetTimeout(b.config.ResponseTimeout)
	b.client = c

	resp, err := c.Login(b.config.Movie, b.config.Name, b.config.Password)
	if err != nil {
		c.Close()
		return fmt.Errorf("login: %w", err)
	}
	b.name = resp.UserName
	b.logger.Printf("Logged in to %s as %s", resp.Movie, resp.UserName)

	for _, group := range b.config.Groups {
		if _, err := c.JoinGroup(group); err != nil {
			b.logger.Printf("Warning: failed to join %q: %v", group, err)
			continue
		}
		b.logger.Printf("Joined group: %s", group)
	}

	b.wg.Add(1)
	go b.pingLoop()

	b.logger.Printf("Bot is running")

	var runErr error
	notifications := c.Notifications()
loop:
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				runErr = fmt.Errorf("connection lost: %w", c.Connection().Err())
				break loop
			}
			b.handleNotification(n)
		case <-ctx.Done():
			b.logger.Printf("Shutdown requested")
			break loop
		case <-b.stopCh:
			b.logger.Printf("Stop requested")
			break loop
		}
	}

	b.shutdown()
	return runErr
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Bot) shutdown() {
	b.Stop()
	if err := b.client.Disconnect("bot stopped"); err != nil && !errors.Is(err, client.ErrClosed) {
		b.logger.Printf("Disconnect: %v", err)
	}
	b.wg.Wait()
	b.logger.Printf("Bot stopped")
}

func (b *Bot) pingLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := b.client.Ping(); err != nil {
				b.logger.Printf("Ping failed: %v", err)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleNotification(n client.Notification) {
	switch msg := n.Message.(type) {
	case *protocol.GroupBroadcastMessage:
		if msg.Sender == b.name {
			return
		}
		m := &Message{Group: msg.Group, Sender: msg.Sender, Subject: msg.Subject, Content: msg.Content, botName: b.name}
		ctx := &Context{bot: b, message: m}
		if m.MentionsMe() && b.onMention != nil {
			b.onMention(ctx, m)
			return
		}
		if b.onMessage != nil {
			b.onMessage(ctx, m)
		}

	case *protocol.DirectMessage:
		if b.onDirect != nil {
			m := &Message{Sender: msg.Sender, Subject: msg.Subject, Content: msg.Content, botName: b.name}
			b.onDirect(&Context{bot: b, message: m}, m)
		}

	case *protocol.RemoteCallMessage:
		b.methodsMu.RLock()
		handler := b.methods[msg.Method]
		b.methodsMu.RUnlock()
		if handler == nil {
			b.logger.Printf("No handler for call %q from %s", msg.Method, msg.Sender)
			return
		}
		call := &Call{Sender: msg.Sender, Method: msg.Method, Args: msg.Args}
		handler(&Context{bot: b, call: call}, call)

	case *protocol.MembershipMessage:
		if b.onMembership != nil {
			b.onMembership(msg.Group, msg.User, msg.Reason)
		}

	case *protocol.DisconnectMessage:
		b.logger.Printf("Server disconnected us: %s", msg.Reason)

	default:
		b.logger.Printf("Received notification type 0x%02X", n.Type)
	}
}

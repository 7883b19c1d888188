package botlib

import (
	"context"
	"io"
	"log"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aeolun/musserver/pkg/client"
	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/aeolun/musserver/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMentionsMe(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"hey @Dealer deal me in", true},
		{"hey @dealer deal me in", true},
		{"dealer: shuffle", true},
		{"Dealer, shuffle", true},
		{"dealer shuffle", true},
		{"the dealer is slow", false},
		{"dealers: all of you", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			m := &Message{Content: []byte(tt.content), botName: "Dealer"}
			assert.Equal(t, tt.want, m.MentionsMe())
		})
	}

	assert.False(t, (&Message{Content: []byte("@dealer")}).MentionsMe(), "no bot name")
}

func TestMentionedContent(t *testing.T) {
	tests := map[string]string{
		"@Dealer deal me in":  "deal me in",
		"deal me in @dealer":  "deal me in",
		"dealer: shuffle":     "shuffle",
		"Dealer, shuffle now": "shuffle now",
		"no mention here":     "no mention here",
	}
	for content, want := range tests {
		m := &Message{Content: []byte(content), botName: "Dealer"}
		assert.Equal(t, want, m.MentionedContent(), content)
	}
}

func startServer(t *testing.T) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.TCPPort = 0
	cfg.SSHPort = 0
	cfg.HTTPPort = 0
	cfg.MetricsPort = 0
	cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")

	srv, err := server.NewServer(cfg, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Addr().(*net.TCPAddr).Port))
}

func waitFor(t *testing.T, c *client.Client, msgType uint8) protocol.ProtocolMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-c.Notifications():
			require.True(t, ok, "connection closed")
			if n.Type == msgType {
				return n.Message
			}
		case <-deadline:
			t.Fatalf("no notification 0x%02X", msgType)
		}
	}
}

func TestBotAnswersCallsAndMentions(t *testing.T) {
	log.SetOutput(io.Discard)
	addr := startServer(t)

	bot := New(Config{
		Server: addr,
		Movie:  "Casino",
		Name:   "Dealer",
		Groups: []string{"table"},
		Logger: log.New(io.Discard, "", 0),
	})
	bot.Handle("echo", func(ctx *Context, call *Call) {
		ctx.Reply(string(call.Args))
	})
	bot.OnMention(func(ctx *Context, msg *Message) {
		ctx.Reply("dealing: " + msg.MentionedContent())
	})
	bot.OnDirect(func(ctx *Context, msg *Message) {
		ctx.Reply("you said " + msg.Text())
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bot did not stop")
		}
	})

	player, err := client.Connect(addr, client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { player.Close() })
	_, err = player.Login("Casino", "alice", "")
	require.NoError(t, err)

	// The bot logs in asynchronously
	require.Eventually(t, func() bool {
		members, err := player.GroupMembers("table")
		return err == nil && len(members) == 1 && members[0] == "Dealer"
	}, 5*time.Second, 20*time.Millisecond)
	_, err = player.JoinGroup("table")
	require.NoError(t, err)

	require.NoError(t, player.CallRemoteMethod("Dealer", "echo", []byte("ping")))
	dm := waitFor(t, player, protocol.TypeDirectMessage).(*protocol.DirectMessage)
	assert.Equal(t, "Dealer", dm.Sender)
	assert.Equal(t, "echo", dm.Subject)
	assert.Equal(t, "ping", string(dm.Content))

	require.NoError(t, player.SendToUser("Dealer", "hi", []byte("hello")))
	dm = waitFor(t, player, protocol.TypeDirectMessage).(*protocol.DirectMessage)
	assert.Equal(t, "you said hello", string(dm.Content))

	_, err = player.SendToGroup("table", "chat", []byte("@Dealer two cards"), false)
	require.NoError(t, err)
	gb := waitFor(t, player, protocol.TypeGroupBroadcast).(*protocol.GroupBroadcastMessage)
	assert.Equal(t, "Dealer", gb.Sender)
	assert.Equal(t, "dealing: two cards", string(gb.Content))
}

func TestBotRunFailsWithoutServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	bot := New(Config{
		Server: addr,
		Movie:  "Casino",
		Name:   "Dealer",
		Logger: log.New(io.Discard, "", 0),
		Dial:   client.Options{DialTimeout: time.Second},
	})
	assert.Error(t, bot.Run(context.Background()))
}

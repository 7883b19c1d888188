package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/musserver/pkg/database"
	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

const journeyTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient provides a uniform interface for sending/receiving protocol
// frames over TCP, SSH, or WebSocket connections.
type transportClient interface {
	// send encodes and sends a protocol message.
	send(t *testing.T, msgType uint8, msg interface{ EncodeTo(io.Writer) error })
	// tryRead returns the next frame, or nil if nothing arrived within
	// timeout or the connection failed.
	tryRead(timeout time.Duration) *protocol.Frame
	// close tears down the connection.
	close()
}

// notification reports frame types the server pushes on its own, which
// are skipped while waiting for a command response.
func notification(msgType uint8) bool {
	switch msgType {
	case protocol.TypeMembership, protocol.TypeAttributeChanged:
		return true
	}
	return false
}

// expect reads frames, skipping notifications, until one arrives and
// asserts that its type matches expectedType.
func expect(t *testing.T, c transportClient, expectedType uint8) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(journeyTimeout)
	for time.Now().Before(deadline) {
		frame := c.tryRead(time.Until(deadline))
		if frame == nil {
			break
		}
		if notification(frame.Type) && !notification(expectedType) {
			continue
		}
		if frame.Type != expectedType {
			if frame.Type == protocol.TypeError {
				var em protocol.ErrorMessage
				em.Decode(frame.Payload)
				t.Fatalf("expected 0x%02X, got error %d: %s", expectedType, em.ErrorCode, em.Message)
			}
			t.Fatalf("expected 0x%02X, got 0x%02X", expectedType, frame.Type)
		}
		return frame
	}
	t.Fatalf("expect 0x%02X: nothing within %v", expectedType, journeyTimeout)
	return nil
}

// expectError asserts that the next response is an error with code
func expectError(t *testing.T, c transportClient, code uint16) protocol.ErrorMessage {
	t.Helper()
	frame := expect(t, c, protocol.TypeError)
	var em protocol.ErrorMessage
	if err := em.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode ERROR: %v", err)
	}
	if em.ErrorCode != code {
		t.Fatalf("expected error %d, got %d: %s", code, em.ErrorCode, em.Message)
	}
	return em
}

// waitFor reads until a frame of msgType satisfying match arrives,
// discarding everything else.
func waitFor(t *testing.T, c transportClient, msgType uint8, match func(*protocol.Frame) bool) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(journeyTimeout)
	for time.Now().Before(deadline) {
		frame := c.tryRead(time.Until(deadline))
		if frame == nil {
			break
		}
		if frame.Type == msgType && (match == nil || match(frame)) {
			return frame
		}
	}
	t.Fatalf("waitFor 0x%02X: nothing matching within %v", msgType, journeyTimeout)
	return nil
}

// drain reads and discards frames until the connection is quiet
func drain(c transportClient, quiet time.Duration) {
	for c.tryRead(quiet) != nil {
	}
}

func encodeFrame(t *testing.T, w io.Writer, msgType uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	var buf bytes.Buffer
	if err := msg.EncodeTo(&buf); err != nil {
		t.Fatalf("encode 0x%02X: %v", msgType, err)
	}
	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Flags:   0,
		Payload: buf.Bytes(),
	}
	if err := protocol.EncodeFrame(w, frame); err != nil {
		t.Fatalf("send 0x%02X: %v", msgType, err)
	}
}

// frameReader decodes frames on a persistent goroutine and feeds them into
// a channel. SSH channels have no deadlines and a timed-out gorilla read
// poisons the connection, so every transport reads this way.
type frameReader struct {
	frames chan *protocol.Frame
	done   chan struct{}
}

func newFrameReader(r io.Reader) *frameReader {
	fr := &frameReader{
		frames: make(chan *protocol.Frame, 256),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(fr.done)
		for {
			frame, err := protocol.DecodeFrame(r)
			if err != nil {
				return
			}
			fr.frames <- frame
		}
	}()
	return fr
}

func (fr *frameReader) tryRead(timeout time.Duration) *protocol.Frame {
	select {
	case frame := <-fr.frames:
		return frame
	case <-fr.done:
		// The reader may have queued frames before it stopped
		select {
		case frame := <-fr.frames:
			return frame
		default:
			return nil
		}
	case <-time.After(timeout):
		return nil
	}
}

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	*frameReader
	conn      net.Conn
	closeOnce sync.Once
}

func newTCPClient(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("TCP connect to %s failed: %v", addr, err)
	}
	return &tcpClient{frameReader: newFrameReader(conn), conn: conn}
}

func (c *tcpClient) send(t *testing.T, msgType uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	encodeFrame(t, c.conn, msgType, msg)
}

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// SSH transport
// ---------------------------------------------------------------------------

type sshClient struct {
	*frameReader
	client    *ssh.Client
	channel   ssh.Channel
	closeOnce sync.Once
}

func newSSHClient(t *testing.T, addr string) *sshClient {
	t.Helper()

	config := &ssh.ClientConfig{
		User:            "journey",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		t.Fatalf("SSH dial %s: %v", addr, err)
	}
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	return &sshClient{
		frameReader: newFrameReader(channel),
		client:      client,
		channel:     channel,
	}
}

func (c *sshClient) send(t *testing.T, msgType uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	encodeFrame(t, c.channel, msgType, msg)
}

func (c *sshClient) close() {
	c.closeOnce.Do(func() {
		c.channel.Close()
		c.client.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// WebSocket transport
// ---------------------------------------------------------------------------

type wsClient struct {
	*frameReader
	conn      *websocket.Conn
	closeOnce sync.Once
}

// wsStream turns incoming binary messages into one byte stream
type wsStream struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if err == io.EOF {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func newWSClient(t *testing.T, addr string) *wsClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial %s: %v", url, err)
	}
	return &wsClient{frameReader: newFrameReader(&wsStream{conn: conn}), conn: conn}
}

func (c *wsClient) send(t *testing.T, msgType uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	// One frame per binary message
	var frameBuf bytes.Buffer
	encodeFrame(t, &frameBuf, msgType, msg)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frameBuf.Bytes()); err != nil {
		t.Fatalf("WS send 0x%02X: %v", msgType, err)
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv     *Server
	tcpAddr string
	sshAddr string
	wsAddr  string
}

// setupJourneyServer creates a single server with TCP, SSH and WebSocket
// listeners on random loopback ports
func setupJourneyServer(t *testing.T, configure func(*ServerConfig)) *journeyServers {
	t.Helper()

	tmpDir := t.TempDir()

	config := DefaultConfig()
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.SSHHostKeyPath = filepath.Join(tmpDir, "ssh_host_key")
	if configure != nil {
		configure(&config)
	}

	srv, err := NewServer(config, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tcpAddr := srv.Addr().String()

	// SSH on a loopback port; ssh_port=0 disables it in Start
	sshConfig, err := srv.sshServerConfig()
	if err != nil {
		t.Fatalf("SSH config: %v", err)
	}
	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("SSH listen: %v", err)
	}
	srv.sshListener = sshListener
	srv.wg.Add(1)
	go srv.acceptSSHLoop(sshListener, sshConfig)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", srv.HandleWebSocket)
	wsListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("WS listen: %v", err)
	}
	wsServer := &http.Server{Handler: wsMux}
	go wsServer.Serve(wsListener)

	t.Cleanup(func() {
		wsServer.Close()
		srv.Stop()
	})

	return &journeyServers{
		srv:     srv,
		tcpAddr: tcpAddr,
		sshAddr: sshListener.Addr().String(),
		wsAddr:  wsListener.Addr().String(),
	}
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name    string
	connect func(t *testing.T, servers *journeyServers) transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers) transportClient { return newTCPClient(t, s.tcpAddr) }},
		{"ssh", func(t *testing.T, s *journeyServers) transportClient { return newSSHClient(t, s.sshAddr) }},
		{"websocket", func(t *testing.T, s *journeyServers) transportClient { return newWSClient(t, s.wsAddr) }},
	}
}

// connectClient opens a connection and consumes SERVER_CONFIG
func connectClient(t *testing.T, servers *journeyServers, tf transportFactory) transportClient {
	t.Helper()
	c := tf.connect(t, servers)
	t.Cleanup(c.close)
	expect(t, c, protocol.TypeServerConfig)
	return c
}

func login(t *testing.T, c transportClient, movie, user string) protocol.LoginResponseMessage {
	t.Helper()
	c.send(t, protocol.TypeLogin, &protocol.LoginMessage{Movie: movie, UserName: user})
	frame := expect(t, c, protocol.TypeLoginResponse)
	var resp protocol.LoginResponseMessage
	if err := resp.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode LOGIN_RESPONSE: %v", err)
	}
	return resp
}

func joinGroup(t *testing.T, c transportClient, group string) {
	t.Helper()
	c.send(t, protocol.TypeJoinGroup, &protocol.GroupMessage{Group: group})
	expect(t, c, protocol.TypeGroupJoined)
}

func groupTarget(name string) protocol.AttributeTarget {
	return protocol.AttributeTarget{Scope: protocol.ScopeGroup, Name: name}
}

// isMembership matches a membership notice for user with reason
func isMembership(user string, reason uint8) func(*protocol.Frame) bool {
	return func(f *protocol.Frame) bool {
		var m protocol.MembershipMessage
		if err := m.Decode(f.Payload); err != nil {
			return false
		}
		return m.User == user && m.Reason == reason
	}
}

// ---------------------------------------------------------------------------
// Main test entry point
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	for _, tf := range allTransports() {
		t.Run("server_config/"+tf.name, func(t *testing.T) {
			runServerConfig(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("name_in_use/"+tf.name, func(t *testing.T) {
			runNameInUse(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("attribute_lock/"+tf.name, func(t *testing.T) {
			runAttributeLock(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("group_broadcast/"+tf.name, func(t *testing.T) {
			runGroupBroadcast(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("lock_released_on_disconnect/"+tf.name, func(t *testing.T) {
			runLockReleasedOnDisconnect(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("direct_and_rpc/"+tf.name, func(t *testing.T) {
			runDirectAndRPC(t, servers, tf)
		})
	}

	t.Run("cross_transport_broadcast", func(t *testing.T) {
		runCrossTransportBroadcast(t, servers)
	})

	t.Run("command_before_login", func(t *testing.T) {
		runCommandBeforeLogin(t, servers)
	})

	t.Run("logout", func(t *testing.T) {
		runLogout(t, servers)
	})

	t.Run("kick", func(t *testing.T) {
		runKick(t, servers)
	})
}

func runServerConfig(t *testing.T, servers *journeyServers, tf transportFactory) {
	c := tf.connect(t, servers)
	defer c.close()

	frame := expect(t, c, protocol.TypeServerConfig)
	var cfg protocol.ServerConfigMessage
	if err := cfg.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode SERVER_CONFIG: %v", err)
	}
	if cfg.ProtocolVersion != protocol.ProtocolVersion {
		t.Fatalf("protocol version %d, want %d", cfg.ProtocolVersion, protocol.ProtocolVersion)
	}
	if cfg.AuthRequired {
		t.Fatal("open server should not require auth")
	}
	if cfg.MaxAttributeSize != uint32(DefaultConfig().MaxAttributeSize) {
		t.Fatalf("max attribute size %d", cfg.MaxAttributeSize)
	}

	c.send(t, protocol.TypePing, &protocol.PingMessage{Timestamp: 42})
	pong := expect(t, c, protocol.TypePong)
	var pm protocol.PongMessage
	if err := pm.Decode(pong.Payload); err != nil {
		t.Fatalf("Decode PONG: %v", err)
	}
	if pm.ClientTimestamp != 42 {
		t.Fatalf("pong echoed %d", pm.ClientTimestamp)
	}
}

// Two sessions cannot hold the same user name in one movie
func runNameInUse(t *testing.T, servers *journeyServers, tf transportFactory) {
	movie := "Lobby-names-" + tf.name

	a := connectClient(t, servers, tf)
	resp := login(t, a, movie, "Alice")
	if resp.UserName != "Alice" || resp.Movie != movie {
		t.Fatalf("login response %+v", resp)
	}

	b := connectClient(t, servers, tf)
	b.send(t, protocol.TypeLogin, &protocol.LoginMessage{Movie: movie, UserName: "alice"})
	expectError(t, b, protocol.ErrCodeNameInUse)

	// The failed login leaves the session usable
	login(t, b, movie, "Bob")
}

func runAttributeLock(t *testing.T, servers *journeyServers, tf transportFactory) {
	movie := "Lobby-locks-" + tf.name

	a := connectClient(t, servers, tf)
	b := connectClient(t, servers, tf)
	login(t, a, movie, "Alice")
	login(t, b, movie, "Bob")
	joinGroup(t, a, "Main")
	joinGroup(t, b, "Main")

	a.send(t, protocol.TypeLockAttribute, &protocol.LockAttributeMessage{Target: groupTarget("Main"), Key: "score", TTLMillis: 30000})
	granted := expect(t, a, protocol.TypeLockGranted)
	var lg protocol.LockGrantedMessage
	if err := lg.Decode(granted.Payload); err != nil {
		t.Fatalf("Decode LOCK_GRANTED: %v", err)
	}
	if lg.ExpiresAt == 0 {
		t.Fatal("lock with a ttl should report an expiry")
	}

	b.send(t, protocol.TypeSetAttribute, &protocol.SetAttributeMessage{Target: groupTarget("Main"), Key: "score", Value: []byte("10")})
	em := expectError(t, b, protocol.ErrCodeLocked)
	if em.RequestType != protocol.TypeSetAttribute {
		t.Fatalf("error request type 0x%02X", em.RequestType)
	}

	// The holder can still write
	a.send(t, protocol.TypeSetAttribute, &protocol.SetAttributeMessage{Target: groupTarget("Main"), Key: "score", Value: []byte("5")})
	expect(t, a, protocol.TypeAttributeSet)

	a.send(t, protocol.TypeUnlockAttribute, &protocol.AttributeKeyMessage{Target: groupTarget("Main"), Key: "score"})
	unlocked := expect(t, a, protocol.TypeUnlockResponse)
	var ur protocol.UnlockResponseMessage
	if err := ur.Decode(unlocked.Payload); err != nil {
		t.Fatalf("Decode UNLOCK_RESPONSE: %v", err)
	}
	if !ur.Released {
		t.Fatal("unlock by the holder should release")
	}

	b.send(t, protocol.TypeSetAttribute, &protocol.SetAttributeMessage{Target: groupTarget("Main"), Key: "score", Value: []byte("10")})
	expect(t, b, protocol.TypeAttributeSet)

	// A hears about B's write
	changed := waitFor(t, a, protocol.TypeAttributeChanged, func(f *protocol.Frame) bool {
		var m protocol.AttributeChangedMessage
		return m.Decode(f.Payload) == nil && m.ChangedBy == "Bob"
	})
	var ac protocol.AttributeChangedMessage
	if err := ac.Decode(changed.Payload); err != nil {
		t.Fatalf("Decode ATTRIBUTE_CHANGED: %v", err)
	}
	if string(ac.Value) != "10" || ac.Key != "score" {
		t.Fatalf("attribute change %+v", ac)
	}

	b.send(t, protocol.TypeGetAttribute, &protocol.AttributeKeyMessage{Target: groupTarget("Main"), Key: "score"})
	value := expect(t, b, protocol.TypeAttributeValue)
	var av protocol.AttributeValueMessage
	if err := av.Decode(value.Payload); err != nil {
		t.Fatalf("Decode ATTRIBUTE_VALUE: %v", err)
	}
	if string(av.Value) != "10" || av.SetBy != "Bob" || av.LockHolder != "" {
		t.Fatalf("attribute value %+v", av)
	}
}

// A group broadcast reaches current members only
func runGroupBroadcast(t *testing.T, servers *journeyServers, tf transportFactory) {
	movie := "Lobby-broadcast-" + tf.name

	a := connectClient(t, servers, tf)
	b := connectClient(t, servers, tf)
	c := connectClient(t, servers, tf)
	login(t, a, movie, "Alice")
	login(t, b, movie, "Bob")
	login(t, c, movie, "Carol")
	joinGroup(t, a, "Main")
	joinGroup(t, b, "Main")
	joinGroup(t, c, "Other")
	drain(c, 100*time.Millisecond)

	a.send(t, protocol.TypeSendToGroup, &protocol.SendToGroupMessage{Group: "Main", Subject: "move", Content: []byte("e2e4")})
	delivered := expect(t, a, protocol.TypeDelivered)
	var dm protocol.DeliveredMessage
	if err := dm.Decode(delivered.Payload); err != nil {
		t.Fatalf("Decode DELIVERED: %v", err)
	}
	if dm.Recipients != 1 {
		t.Fatalf("delivered to %d, want 1", dm.Recipients)
	}

	frame := waitFor(t, b, protocol.TypeGroupBroadcast, nil)
	var gb protocol.GroupBroadcastMessage
	if err := gb.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode GROUP_BROADCAST: %v", err)
	}
	if gb.Sender != "Alice" || gb.Group != "Main" || gb.Subject != "move" || string(gb.Content) != "e2e4" {
		t.Fatalf("group broadcast %+v", gb)
	}

	// Carol is in the movie but not the group
	for {
		f := c.tryRead(300 * time.Millisecond)
		if f == nil {
			break
		}
		if f.Type == protocol.TypeGroupBroadcast {
			t.Fatal("non-member received a group broadcast")
		}
	}

	// Sender receives its own broadcast only when asking for it
	a.send(t, protocol.TypeSendToGroup, &protocol.SendToGroupMessage{Group: "Main", Subject: "echo", IncludeSelf: true})
	waitFor(t, a, protocol.TypeGroupBroadcast, nil)
}

// Teardown releases the locks a session held
func runLockReleasedOnDisconnect(t *testing.T, servers *journeyServers, tf transportFactory) {
	movie := "Lobby-teardown-" + tf.name

	a := connectClient(t, servers, tf)
	b := connectClient(t, servers, tf)
	login(t, a, movie, "Alice")
	login(t, b, movie, "Bob")
	joinGroup(t, a, "Main")
	joinGroup(t, b, "Main")

	a.send(t, protocol.TypeLockAttribute, &protocol.LockAttributeMessage{Target: groupTarget("Main"), Key: "x"})
	expect(t, a, protocol.TypeLockGranted)

	b.send(t, protocol.TypeLockAttribute, &protocol.LockAttributeMessage{Target: groupTarget("Main"), Key: "x"})
	expectError(t, b, protocol.ErrCodeLocked)

	a.close()
	waitFor(t, b, protocol.TypeMembership, isMembership("Alice", protocol.MembershipDisconnected))

	b.send(t, protocol.TypeLockAttribute, &protocol.LockAttributeMessage{Target: groupTarget("Main"), Key: "x"})
	expect(t, b, protocol.TypeLockGranted)
}

func runDirectAndRPC(t *testing.T, servers *journeyServers, tf transportFactory) {
	movie := "Lobby-direct-" + tf.name

	a := connectClient(t, servers, tf)
	b := connectClient(t, servers, tf)
	login(t, a, movie, "Alice")
	login(t, b, movie, "Bob")

	a.send(t, protocol.TypeSendToUser, &protocol.SendToUserMessage{User: "bob", Subject: "hi", Content: []byte("hello")})
	expect(t, a, protocol.TypeDelivered)

	frame := waitFor(t, b, protocol.TypeDirectMessage, nil)
	var dm protocol.DirectMessage
	if err := dm.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode DIRECT_MESSAGE: %v", err)
	}
	if dm.Sender != "Alice" || string(dm.Content) != "hello" {
		t.Fatalf("direct message %+v", dm)
	}

	a.send(t, protocol.TypeCallRemoteMethod, &protocol.CallRemoteMethodMessage{User: "Bob", Method: "setScore", Args: []byte{1, 2}})
	expect(t, a, protocol.TypeDelivered)

	frame = waitFor(t, b, protocol.TypeRemoteCall, nil)
	var rc protocol.RemoteCallMessage
	if err := rc.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode REMOTE_CALL: %v", err)
	}
	if rc.Sender != "Alice" || rc.Method != "setScore" || !bytes.Equal(rc.Args, []byte{1, 2}) {
		t.Fatalf("remote call %+v", rc)
	}

	a.send(t, protocol.TypeSendToUser, &protocol.SendToUserMessage{User: "Nobody", Subject: "hi"})
	expectError(t, a, protocol.ErrCodeNotFound)
}

func runCrossTransportBroadcast(t *testing.T, servers *journeyServers) {
	movie := "Lobby-cross"
	transports := allTransports()

	clients := make([]transportClient, len(transports))
	for i, tf := range transports {
		clients[i] = connectClient(t, servers, tf)
		login(t, clients[i], movie, "user_"+tf.name)
		joinGroup(t, clients[i], "Main")
	}

	clients[0].send(t, protocol.TypeSendToGroup, &protocol.SendToGroupMessage{Group: "@AllUsers", Subject: "all"})
	delivered := expect(t, clients[0], protocol.TypeDelivered)
	var dm protocol.DeliveredMessage
	if err := dm.Decode(delivered.Payload); err != nil {
		t.Fatalf("Decode DELIVERED: %v", err)
	}
	if int(dm.Recipients) != len(clients)-1 {
		t.Fatalf("delivered to %d, want %d", dm.Recipients, len(clients)-1)
	}

	for i := 1; i < len(clients); i++ {
		waitFor(t, clients[i], protocol.TypeGroupBroadcast, nil)
	}
}

func runCommandBeforeLogin(t *testing.T, servers *journeyServers) {
	c := connectClient(t, servers, allTransports()[0])

	c.send(t, protocol.TypeJoinGroup, &protocol.GroupMessage{Group: "Main"})
	em := expectError(t, c, protocol.ErrCodeInvalidState)
	if em.RequestType != protocol.TypeJoinGroup {
		t.Fatalf("error request type 0x%02X", em.RequestType)
	}

	// Unknown message types are answered, not fatal
	c.send(t, 0x7F, &protocol.ListGroupsMessage{})
	expectError(t, c, protocol.ErrCodeUnsupported)

	login(t, c, "Lobby-early", "Early")
	c.send(t, protocol.TypeLogin, &protocol.LoginMessage{Movie: "Lobby-early", UserName: "Again"})
	expectError(t, c, protocol.ErrCodeInvalidState)
}

func runLogout(t *testing.T, servers *journeyServers) {
	tf := allTransports()[0]
	a := connectClient(t, servers, tf)
	b := connectClient(t, servers, tf)
	login(t, a, "Lobby-logout", "Alice")
	login(t, b, "Lobby-logout", "Bob")

	a.send(t, protocol.TypeLogout, &protocol.LogoutMessage{})
	expect(t, a, protocol.TypeLogoutResponse)
	waitFor(t, b, protocol.TypeMembership, isMembership("Alice", protocol.MembershipLeft))

	// The name is free again
	c := connectClient(t, servers, tf)
	login(t, c, "Lobby-logout", "Alice")
}

func runKick(t *testing.T, servers *journeyServers) {
	c := connectClient(t, servers, allTransports()[0])
	login(t, c, "Lobby-kick", "Mallory")

	if err := servers.srv.Kick("Lobby-kick", "Mallory", "Kicked by operator"); err != nil {
		t.Fatalf("Kick: %v", err)
	}

	frame := waitFor(t, c, protocol.TypeDisconnect, nil)
	var dm protocol.DisconnectMessage
	if err := dm.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode DISCONNECT: %v", err)
	}
	if dm.Reason != "Kicked by operator" {
		t.Fatalf("disconnect reason %q", dm.Reason)
	}
	if err := servers.srv.Kick("Lobby-kick", "Mallory", ""); err == nil {
		t.Fatal("kicking a departed user should fail")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle journeys on their own servers
// ---------------------------------------------------------------------------

func TestJourneyShutdownNotice(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	tf := allTransports()[0]

	c := connectClient(t, servers, tf)
	login(t, c, "Lobby", "Alice")

	go servers.srv.Stop()

	frame := waitFor(t, c, protocol.TypeDisconnect, nil)
	var dm protocol.DisconnectMessage
	if err := dm.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode DISCONNECT: %v", err)
	}
	if dm.Reason != shutdownNotice {
		t.Fatalf("disconnect reason %q", dm.Reason)
	}
}

func TestJourneyPersistentMovie(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "musserver.db")
	configure := func(cfg *ServerConfig) {
		cfg.DatabasePath = dbPath
		cfg.Movies = []MovieConfig{{Name: "Hall"}}
	}
	movieTarget := protocol.AttributeTarget{Scope: protocol.ScopeMovie}

	first := setupJourneyServer(t, configure)
	c := connectClient(t, first, allTransports()[0])
	login(t, c, "Hall", "Alice")
	c.send(t, protocol.TypeSetAttribute, &protocol.SetAttributeMessage{Target: movieTarget, Key: "motd", Value: []byte("welcome")})
	expect(t, c, protocol.TypeAttributeSet)
	c.close()

	if err := first.srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	second := setupJourneyServer(t, configure)
	c = connectClient(t, second, allTransports()[0])
	login(t, c, "Hall", "Bob")
	c.send(t, protocol.TypeGetAttribute, &protocol.AttributeKeyMessage{Target: movieTarget, Key: "motd"})
	frame := expect(t, c, protocol.TypeAttributeValue)
	var av protocol.AttributeValueMessage
	if err := av.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode ATTRIBUTE_VALUE: %v", err)
	}
	if string(av.Value) != "welcome" || av.SetBy != "Alice" {
		t.Fatalf("restored attribute %+v", av)
	}
}

func TestJourneyServerQueries(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	transports := allTransports()

	a := connectClient(t, servers, transports[0])
	b := connectClient(t, servers, transports[1])
	c := connectClient(t, servers, transports[2])

	c.send(t, protocol.TypeListMovies, &protocol.ListMoviesMessage{})
	expectError(t, c, protocol.ErrCodeInvalidState)

	login(t, a, "Lobby", "Alice")
	login(t, b, "Lobby", "Bob")
	login(t, c, "Arcade", "Carol")
	joinGroup(t, b, "Main")

	for i, cl := range []transportClient{a, b, c} {
		cl.send(t, protocol.TypeGetServerInfo, &protocol.GetServerInfoMessage{})
		frame := expect(t, cl, protocol.TypeServerInfo)
		var info protocol.ServerInfoMessage
		if err := info.Decode(frame.Payload); err != nil {
			t.Fatalf("Decode SERVER_INFO: %v", err)
		}
		if info.Version != Version || info.Movies != 2 || info.Users != 3 {
			t.Fatalf("%s: server info %+v", transports[i].name, info)
		}
		if skew := time.Since(time.UnixMilli(info.ServerTime)); skew < -time.Minute || skew > time.Minute {
			t.Fatalf("server time off by %v", skew)
		}
	}

	c.send(t, protocol.TypeListMovies, &protocol.ListMoviesMessage{})
	frame := expect(t, c, protocol.TypeMovieList)
	var list protocol.MovieListMessage
	if err := list.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode MOVIE_LIST: %v", err)
	}
	want := []protocol.MovieSummary{
		{Name: "Arcade", Users: 1},
		{Name: "Lobby", Users: 2, Groups: 1},
	}
	if len(list.Movies) != len(want) {
		t.Fatalf("movie list %+v", list.Movies)
	}
	for i := range want {
		if list.Movies[i] != want[i] {
			t.Fatalf("movie %d: got %+v, want %+v", i, list.Movies[i], want[i])
		}
	}
}

func TestJourneyAnnounce(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	var members []transportClient
	for i, tf := range allTransports() {
		c := connectClient(t, servers, tf)
		login(t, c, "Lobby", fmt.Sprintf("Member%d", i))
		members = append(members, c)
	}
	outsider := connectClient(t, servers, allTransports()[0])
	login(t, outsider, "Arcade", "Dave")
	for _, c := range members {
		drain(c, 100*time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodPost, "/announce?movie=lobby&subject=Maintenance", strings.NewReader("back in five"))
	rec := httptest.NewRecorder()
	servers.srv.AnnounceHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("announce status %d: %s", rec.Code, rec.Body.String())
	}
	var result map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("announce response: %v", err)
	}
	if result["delivered"] != len(members) {
		t.Fatalf("delivered to %d, want %d", result["delivered"], len(members))
	}

	// Recipients are fixed at the time of the call
	late := connectClient(t, servers, allTransports()[0])
	login(t, late, "Lobby", "Latecomer")

	for i, c := range members {
		frame := waitFor(t, c, protocol.TypeGroupBroadcast, nil)
		var gb protocol.GroupBroadcastMessage
		if err := gb.Decode(frame.Payload); err != nil {
			t.Fatalf("Decode GROUP_BROADCAST: %v", err)
		}
		if gb.Sender != announceSender || gb.Group != "@AllUsers" || gb.Subject != "Maintenance" || string(gb.Content) != "back in five" {
			t.Fatalf("member %d got %+v", i, gb)
		}
	}
	for _, c := range []transportClient{outsider, late} {
		for f := c.tryRead(300 * time.Millisecond); f != nil; f = c.tryRead(300 * time.Millisecond) {
			if f.Type == protocol.TypeGroupBroadcast {
				t.Fatal("announcement reached a session outside the snapshot")
			}
		}
	}

	// No movie addresses every movie
	n, err := servers.srv.Announce("", "Closing", nil)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if n != len(members)+2 {
		t.Fatalf("server-wide announce reached %d sessions", n)
	}
	waitFor(t, outsider, protocol.TypeGroupBroadcast, nil)

	rec = httptest.NewRecorder()
	servers.srv.AnnounceHandler(rec, httptest.NewRequest(http.MethodPost, "/announce?movie=Nowhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown movie status %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	servers.srv.AnnounceHandler(rec, httptest.NewRequest(http.MethodGet, "/announce", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status %d", rec.Code)
	}
}

func TestJourneyOperatorKick(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	c := connectClient(t, servers, allTransports()[0])
	login(t, c, "Lobby", "Mallory")

	rec := httptest.NewRecorder()
	servers.srv.KickHandler(rec, httptest.NewRequest(http.MethodPost, "/kick?movie=Lobby&user=mallory&reason=Spam", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("kick status %d: %s", rec.Code, rec.Body.String())
	}
	frame := waitFor(t, c, protocol.TypeDisconnect, nil)
	var dm protocol.DisconnectMessage
	if err := dm.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode DISCONNECT: %v", err)
	}
	if dm.Reason != "Spam" {
		t.Fatalf("disconnect reason %q", dm.Reason)
	}

	rec = httptest.NewRecorder()
	servers.srv.KickHandler(rec, httptest.NewRequest(http.MethodPost, "/kick?movie=Lobby&user=Nobody", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user status %d", rec.Code)
	}
}

func TestJourneyLevelGating(t *testing.T) {
	const secret = "journey-token-secret"
	servers := setupJourneyServer(t, func(cfg *ServerConfig) {
		cfg.AuthMode = AuthToken
		cfg.TokenSecret = secret
		cfg.CreateGroupLevel = 50
		cfg.AllUsersLevel = database.LevelAdmin
	})
	tf := allTransports()[0]

	tokenLogin := func(c transportClient, name string, level uint8) {
		t.Helper()
		token, err := IssueToken(secret, name, "", level, time.Hour)
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		c.send(t, protocol.TypeLogin, &protocol.LoginMessage{Movie: "Lobby", UserName: name, Password: token})
		expect(t, c, protocol.TypeLoginResponse)
	}

	user := connectClient(t, servers, tf)
	tokenLogin(user, "Pat", database.LevelUser)
	admin := connectClient(t, servers, tf)
	tokenLogin(admin, "Root", database.LevelAdmin)

	user.send(t, protocol.TypeCreateGroup, &protocol.GroupMessage{Group: "Main"})
	expectError(t, user, protocol.ErrCodePermissionDenied)
	// Joining must not create the group either
	user.send(t, protocol.TypeJoinGroup, &protocol.GroupMessage{Group: "Main"})
	expectError(t, user, protocol.ErrCodeNotFound)
	user.send(t, protocol.TypeSendToGroup, &protocol.SendToGroupMessage{Group: "@AllUsers", Subject: "spam"})
	expectError(t, user, protocol.ErrCodePermissionDenied)

	admin.send(t, protocol.TypeCreateGroup, &protocol.GroupMessage{Group: "Main"})
	expect(t, admin, protocol.TypeGroupCreated)
	joinGroup(t, user, "Main")

	admin.send(t, protocol.TypeSendToGroup, &protocol.SendToGroupMessage{Group: "@AllUsers", Subject: "notice"})
	delivered := expect(t, admin, protocol.TypeDelivered)
	var dm protocol.DeliveredMessage
	if err := dm.Decode(delivered.Payload); err != nil {
		t.Fatalf("Decode DELIVERED: %v", err)
	}
	if dm.Recipients != 1 {
		t.Fatalf("delivered to %d, want 1", dm.Recipients)
	}
	frame := waitFor(t, user, protocol.TypeGroupBroadcast, nil)
	var gb protocol.GroupBroadcastMessage
	if err := gb.Decode(frame.Payload); err != nil {
		t.Fatalf("Decode GROUP_BROADCAST: %v", err)
	}
	if gb.Sender != "Root" || gb.Subject != "notice" {
		t.Fatalf("group broadcast %+v", gb)
	}

	// Ordinary groups stay open to every level
	user.send(t, protocol.TypeSendToGroup, &protocol.SendToGroupMessage{Group: "Main", Subject: "hi", IncludeSelf: true})
	expect(t, user, protocol.TypeDelivered)
}

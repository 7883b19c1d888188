package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultTCPPort  = "6470"
	defaultSSHPort  = "6471"
	defaultHTTPPort = "8080"

	sshVersionPrefix = "SSH-2.0-musserver"
)

// ErrClosed is returned for operations on a closed connection
var ErrClosed = errors.New("connection closed")

// Options control how a connection is dialed
type Options struct {
	// SSHUser overrides the user name from an ssh:// address
	SSHUser string
	// SSHPassword is offered with password authentication when set
	SSHPassword string
	// KnownHostsFile verifies SSH host keys; empty accepts any key
	KnownHostsFile string
	// DialTimeout bounds the dial and handshake. Defaults to 5s.
	DialTimeout time.Duration
	Logger      *log.Logger
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return o.DialTimeout
}

// Connection is a framed connection to a musserver over TCP, SSH or WebSocket
type Connection struct {
	addr   string // Display address with scheme
	conn   net.Conn
	logger *log.Logger

	writeMu sync.Mutex

	incoming chan *protocol.Frame
	shutdown chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	err       atomic.Pointer[error]

	serverConfig  protocol.ServerConfigMessage
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
}

// Dial connects to addr and reads the server's SERVER_CONFIG.
// Accepted forms: host[:port], tcp://host[:port], ssh://[user@]host[:port],
// ws://host[:port] and wss://host[:port].
func Dial(addr string, opts Options) (*Connection, error) {
	cfg, err := parseServerAddress(addr, opts)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.dial()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.display, err)
	}

	c := &Connection{
		addr:     cfg.display,
		conn:     conn,
		logger:   opts.Logger,
		incoming: make(chan *protocol.Frame, 256),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	select {
	case frame, ok := <-c.incoming:
		if !ok {
			c.Close()
			return nil, fmt.Errorf("server closed connection during handshake: %w", c.Err())
		}
		if err := c.validateProtocol(frame); err != nil {
			c.Close()
			return nil, err
		}
	case <-time.After(opts.dialTimeout()):
		c.Close()
		return nil, fmt.Errorf("no SERVER_CONFIG from %s within %s", cfg.display, opts.dialTimeout())
	}

	return c, nil
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// validateProtocol checks that the first frame is a SERVER_CONFIG
func (c *Connection) validateProtocol(frame *protocol.Frame) error {
	if frame.Type != protocol.TypeServerConfig {
		return fmt.Errorf("unexpected response type: got 0x%02X, expected SERVER_CONFIG (0x%02X)", frame.Type, protocol.TypeServerConfig)
	}
	if err := c.serverConfig.Decode(frame.Payload); err != nil {
		return fmt.Errorf("failed to decode SERVER_CONFIG: %w", err)
	}
	if c.serverConfig.ProtocolVersion > protocol.ProtocolVersion {
		c.logf("Note: server uses newer protocol v%d (we are v%d)", c.serverConfig.ProtocolVersion, protocol.ProtocolVersion)
	}
	return nil
}

// ServerConfig returns the settings the server announced on connect
func (c *Connection) ServerConfig() protocol.ServerConfigMessage {
	return c.serverConfig
}

// Address returns the dialed address with its scheme
func (c *Connection) Address() string {
	return c.addr
}

func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Incoming delivers frames in arrival order and is closed when the read loop stops
func (c *Connection) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Done is closed once the read loop has stopped
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the read loop stopped, or nil while it runs
func (c *Connection) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.done)
	defer close(c.incoming)

	reader := &countingReader{r: c.conn, counter: &c.bytesReceived}
	for {
		frame, err := protocol.DecodeFrame(reader)
		if err != nil {
			select {
			case <-c.shutdown:
				err = ErrClosed
			default:
				if errors.Is(err, io.EOF) {
					c.logf("Connection closed by server (EOF)")
				} else {
					c.logf("Read error: %v", err)
				}
			}
			c.err.Store(&err)
			return
		}

		c.logf("← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", frame.Type, frame.Flags, len(frame.Payload))

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			err := ErrClosed
			c.err.Store(&err)
			return
		}
	}
}

// SendMessage encodes msg and writes it as a single frame
func (c *Connection) SendMessage(msgType uint8, msg protocol.ProtocolMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.Send(&protocol.Frame{Version: protocol.ProtocolVersion, Type: msgType, Payload: payload})
}

// Send writes one frame. Concurrent callers are serialized.
func (c *Connection) Send(frame *protocol.Frame) error {
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}

	var buf bytes.Buffer
	if err := protocol.EncodeFrame(&buf, frame, c.serverConfig.ProtocolVersion); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// One Write per frame so WebSocket peers receive one frame per message
	w := &countingWriter{w: c.conn, counter: &c.bytesSent}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	c.logf("→ SENT: Type=0x%02X PayloadLen=%d", frame.Type, len(frame.Payload))
	return nil
}

// Close shuts the connection down and waits for the read loop
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)
		err = c.conn.Close()
	})
	<-c.done
	return err
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

func parseServerAddress(raw string, opts Options) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		if u.Host != "" {
			hostPort = u.Host
		} else if u.Path != "" {
			hostPort = u.Path
		}
		hostPort = strings.TrimPrefix(hostPort, "//")
	}

	timeout := opts.dialTimeout()

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, timeout)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if opts.SSHUser != "" {
			user = opts.SSHUser
		}
		if user == "" {
			user = defaultSSHUser()
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, address),
			dial: func() (net.Conn, error) {
				return dialSSH(user, address, opts)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		target := url.URL{Scheme: scheme, Host: address, Path: "/ws"}
		return &dialConfig{
			display: target.String(),
			dial: func() (net.Conn, error) {
				return dialWebSocket(target.String(), timeout)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

func defaultSSHUser() string {
	if user := os.Getenv("MUSSERVER_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "anonymous"
}

func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func dialSSH(user, address string, opts Options) (net.Conn, error) {
	callback, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.dialTimeout()
	netConn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}

	var auth []ssh.AuthMethod
	if opts.SSHPassword != "" {
		auth = append(auth, ssh.Password(opts.SSHPassword))
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         timeout,
	}

	if err := netConn.SetDeadline(time.Now().Add(timeout)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	localAddr := netConn.LocalAddr()
	remoteAddr := netConn.RemoteAddr()

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, fmt.Errorf("failed to clear connection deadline: %w", err)
	}

	serverBanner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(serverBanner, sshVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a musserver (banner prefix %q)", serverBanner, sshVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}, nil
}

type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }

func dialWebSocket(target string, timeout time.Duration) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.Dial(target, nil)
	if err != nil {
		return nil, err
	}
	return &wsClientConn{ws: ws}, nil
}

// wsClientConn adapts a WebSocket to net.Conn. Each Write becomes one
// binary message; reads stream across message boundaries.
type wsClientConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsClientConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsClientConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsClientConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsClientConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsClientConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsClientConn) SetDeadline(t time.Time) error      { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *wsClientConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsClientConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

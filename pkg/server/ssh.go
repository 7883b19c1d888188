package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/musserver/pkg/database"
	"golang.org/x/crypto/ssh"
)

// sshUserExtension and sshLevelExtension carry the authenticated identity
// from the handshake to the session
const (
	sshUserExtension  = "user"
	sshLevelExtension = "level"
)

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	config, err := s.sshServerConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.sshListener = listener

	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// sshServerConfig builds the handshake config for the active auth mode.
// Open servers skip client auth and leave naming to the Login command.
func (s *Server) sshServerConfig() (*ssh.ServerConfig, error) {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-musserver",
	}
	if s.auth.Required() {
		config.PasswordCallback = s.authenticateSSHPassword
	} else {
		config.NoClientAuth = true
	}
	config.AddHostKey(hostKey)
	return config, nil
}

// authenticateSSHPassword checks the SSH password with the same rules as a
// Login credential. In token mode the password is the token.
func (s *Server) authenticateSSHPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	remote := conn.RemoteAddr().String()
	if !s.checkAuthRateLimit(remote) {
		log.Printf("SSH auth rate limit exceeded from %s", remote)
		return nil, fmt.Errorf("too many failed attempts")
	}

	var (
		id  Identity
		err error
	)
	switch s.auth.Mode() {
	case AuthAccounts:
		id, err = s.auth.checkPassword(conn.User(), string(password))
	case AuthToken:
		// Movie-bound tokens are refused; the movie is not known yet
		id, err = s.auth.checkToken("", conn.User(), string(password))
	default:
		id = Identity{Name: conn.User(), Level: database.LevelUser}
	}
	if err != nil {
		s.recordAuthFailure(remote)
		log.Printf("SSH auth failed for %q from %s: %v", conn.User(), remote, err)
		return nil, fmt.Errorf("authentication failed")
	}

	log.Printf("SSH auth: user %s (level %d) from %s", id.Name, id.Level, remote)
	return &ssh.Permissions{
		Extensions: map[string]string{
			sshUserExtension:  id.Name,
			sshLevelExtension: strconv.Itoa(int(id.Level)),
		},
	}, nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("SSH accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection handles a single SSH connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	var user Identity
	if sshConn.Permissions != nil {
		user.Name = sshConn.Permissions.Extensions[sshUserExtension]
		level, _ := strconv.ParseUint(sshConn.Permissions.Extensions[sshLevelExtension], 10, 8)
		user.Level = uint8(level)
	}

	for newChannel := range chans {
		// Only "session" channels carry the binary protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("Could not accept channel: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go s.handleSSHChannelRequests(requests)
			s.handleConnection("ssh", &sshChannelConn{
				channel: channel,
				local:   sshConn.LocalAddr(),
				remote:  sshConn.RemoteAddr(),
			}, user)
		}()
	}
}

func (s *Server) handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn. SSH channels have
// no deadlines, so those are no-ops.
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr
}

func (c *sshChannelConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshChannelConn) Write(b []byte) (int, error) { return c.channel.Write(b) }
func (c *sshChannelConn) Close() error                { return c.channel.Close() }
func (c *sshChannelConn) LocalAddr() net.Addr         { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr        { return c.remote }

func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(pem.EncodeToMemory(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}

	log.Printf("Generated and saved new SSH host key")
	return key, nil
}

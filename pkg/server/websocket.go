package server

import (
	"bytes"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser clients are served from anywhere
	},
}

// HandleWebSocket upgrades the request and runs the same message loop as
// raw TCP. Frames travel as binary messages.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, shutdownNotice, http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	// Length prefix plus header on top of the largest body
	ws.SetReadLimit(protocol.MaxFrameSize + 16)

	s.handleConnection("websocket", newWSConn(ws), Identity{})
}

// wsConn adapts a WebSocket connection to net.Conn. Reads stream across
// message boundaries; writes are buffered until Flush so each frame goes
// out as one binary message.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader // current incoming message
	wbuf   bytes.Buffer
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
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

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write is only called under the SafeConn lock
func (c *wsConn) Write(p []byte) (int, error) {
	return c.wbuf.Write(p)
}

// Flush sends everything written since the last Flush as one message
func (c *wsConn) Flush() error {
	if c.wbuf.Len() == 0 {
		return nil
	}
	err := c.ws.WriteMessage(websocket.BinaryMessage, c.wbuf.Bytes())
	c.wbuf.Reset()
	return err
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

package client

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/musserver/pkg/protocol"
)

const defaultRequestTimeout = 10 * time.Second

// ErrTimeout is returned when the server does not answer a request in time.
// The client is closed afterwards since a late answer would be paired with
// the next request.
var ErrTimeout = errors.New("request timed out")

// ServerError is an ERROR frame returned for a request
type ServerError struct {
	Code        uint16
	RequestType uint8
	Message     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d for request 0x%02X: %s", e.Code, e.RequestType, e.Message)
}

// IsCode reports whether err is a ServerError carrying code
func IsCode(err error, code uint16) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}

// Notification is a message the server pushed without a request:
// a group broadcast, direct message, remote call, membership change,
// attribute change or disconnect notice.
type Notification struct {
	Type    uint8
	Message protocol.ProtocolMessage
}

// Client issues one request at a time and routes unsolicited frames to
// Notifications.
type Client struct {
	conn *Connection

	reqMu     sync.Mutex
	timeout   time.Duration
	responses chan *protocol.Frame

	notifications chan Notification
	dropped       atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}

	session protocol.LoginResponseMessage
}

// Connect dials addr and starts routing frames
func Connect(addr string, opts Options) (*Client, error) {
	conn, err := Dial(addr, opts)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection
func NewClient(conn *Connection) *Client {
	c := &Client{
		conn:          conn,
		timeout:       defaultRequestTimeout,
		responses:     make(chan *protocol.Frame, 1),
		notifications: make(chan Notification, 256),
		done:          make(chan struct{}),
	}
	go c.route()
	return c
}

// SetTimeout changes how long a request waits for its answer
func (c *Client) SetTimeout(d time.Duration) {
	c.reqMu.Lock()
	c.timeout = d
	c.reqMu.Unlock()
}

// Connection exposes the underlying transport
func (c *Client) Connection() *Connection { return c.conn }

// Notifications is closed when the connection ends
func (c *Client) Notifications() <-chan Notification { return c.notifications }

// Dropped counts notifications discarded because nobody was reading them
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Session returns the login result, zero before Login succeeds
func (c *Client) Session() protocol.LoginResponseMessage {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.session
}

// Close ends the connection without a logout
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) route() {
	defer close(c.done)
	defer close(c.notifications)

	for frame := range c.conn.Incoming() {
		if isNotification(frame.Type) {
			n, err := decodeNotification(frame)
			if err != nil {
				c.conn.logf("Dropping undecodable notification 0x%02X: %v", frame.Type, err)
				continue
			}
			select {
			case c.notifications <- n:
			default:
				c.dropped.Add(1)
			}
			continue
		}

		select {
		case c.responses <- frame:
		default:
			c.conn.logf("Dropping unexpected frame 0x%02X", frame.Type)
		}
	}
}

func isNotification(t uint8) bool {
	switch t {
	case protocol.TypeGroupBroadcast, protocol.TypeDirectMessage, protocol.TypeRemoteCall,
		protocol.TypeMembership, protocol.TypeAttributeChanged, protocol.TypeDisconnect:
		return true
	}
	return false
}

func decodeNotification(frame *protocol.Frame) (Notification, error) {
	var msg protocol.ProtocolMessage
	switch frame.Type {
	case protocol.TypeGroupBroadcast:
		msg = &protocol.GroupBroadcastMessage{}
	case protocol.TypeDirectMessage:
		msg = &protocol.DirectMessage{}
	case protocol.TypeRemoteCall:
		msg = &protocol.RemoteCallMessage{}
	case protocol.TypeMembership:
		msg = &protocol.MembershipMessage{}
	case protocol.TypeAttributeChanged:
		msg = &protocol.AttributeChangedMessage{}
	case protocol.TypeDisconnect:
		msg = &protocol.DisconnectMessage{}
	default:
		return Notification{}, fmt.Errorf("not a notification: 0x%02X", frame.Type)
	}
	if err := msg.Decode(frame.Payload); err != nil {
		return Notification{}, err
	}
	return Notification{Type: frame.Type, Message: msg}, nil
}

// roundTrip sends req and decodes the answer into resp. Callers hold reqMu.
func (c *Client) roundTrip(reqType uint8, req protocol.ProtocolMessage, respType uint8, resp protocol.ProtocolMessage) error {
	if err := c.conn.SendMessage(reqType, req); err != nil {
		return err
	}

	var frame *protocol.Frame
	select {
	case frame = <-c.responses:
	case <-c.done:
		if err := c.conn.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-time.After(c.timeout):
		go c.Close()
		return fmt.Errorf("%w: 0x%02X after %s", ErrTimeout, reqType, c.timeout)
	}

	if frame.Type == protocol.TypeError {
		var em protocol.ErrorMessage
		if err := em.Decode(frame.Payload); err != nil {
			return fmt.Errorf("failed to decode ERROR: %w", err)
		}
		return &ServerError{Code: em.ErrorCode, RequestType: em.RequestType, Message: em.Message}
	}
	if frame.Type != respType {
		return fmt.Errorf("unexpected response 0x%02X to request 0x%02X", frame.Type, reqType)
	}
	if resp == nil {
		return nil
	}
	if err := resp.Decode(frame.Payload); err != nil {
		return fmt.Errorf("failed to decode response 0x%02X: %w", respType, err)
	}
	return nil
}

func (c *Client) do(reqType uint8, req protocol.ProtocolMessage, respType uint8, resp protocol.ProtocolMessage) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.roundTrip(reqType, req, respType, resp)
}

// Login joins movie as user. Password is ignored by open servers.
func (c *Client) Login(movie, user, password string) (*protocol.LoginResponseMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp := &protocol.LoginResponseMessage{}
	err := c.roundTrip(protocol.TypeLogin, &protocol.LoginMessage{Movie: movie, UserName: user, Password: password}, protocol.TypeLoginResponse, resp)
	if err != nil {
		return nil, err
	}
	c.session = *resp
	return resp, nil
}

// Logout leaves the movie. The server ends the connection afterwards, so a
// new login needs a new client.
func (c *Client) Logout() error {
	c.reqMu.Lock()
	err := c.roundTrip(protocol.TypeLogout, &protocol.LogoutMessage{}, protocol.TypeLogoutResponse, nil)
	if err == nil {
		c.session = protocol.LoginResponseMessage{}
	}
	c.reqMu.Unlock()
	if err != nil {
		return err
	}
	return c.Close()
}

// Disconnect tells the server the client is leaving and closes the connection
func (c *Client) Disconnect(reason string) error {
	c.reqMu.Lock()
	err := c.conn.SendMessage(protocol.TypeDisconnect, &protocol.DisconnectMessage{Reason: reason})
	c.reqMu.Unlock()
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (c *Client) CreateGroup(group string) error {
	return c.do(protocol.TypeCreateGroup, &protocol.GroupMessage{Group: group}, protocol.TypeGroupCreated, nil)
}

func (c *Client) JoinGroup(group string) (*protocol.GroupJoinedMessage, error) {
	resp := &protocol.GroupJoinedMessage{}
	if err := c.do(protocol.TypeJoinGroup, &protocol.GroupMessage{Group: group}, protocol.TypeGroupJoined, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) LeaveGroup(group string) (*protocol.GroupLeftMessage, error) {
	resp := &protocol.GroupLeftMessage{}
	if err := c.do(protocol.TypeLeaveGroup, &protocol.GroupMessage{Group: group}, protocol.TypeGroupLeft, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListGroups() (*protocol.GroupListMessage, error) {
	resp := &protocol.GroupListMessage{}
	if err := c.do(protocol.TypeListGroups, &protocol.ListGroupsMessage{}, protocol.TypeGroupList, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ServerInfo reports the server version, clock and load
func (c *Client) ServerInfo() (*protocol.ServerInfoMessage, error) {
	resp := &protocol.ServerInfoMessage{}
	if err := c.do(protocol.TypeGetServerInfo, &protocol.GetServerInfoMessage{}, protocol.TypeServerInfo, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Movies lists every live movie on the server
func (c *Client) Movies() ([]protocol.MovieSummary, error) {
	resp := &protocol.MovieListMessage{}
	if err := c.do(protocol.TypeListMovies, &protocol.ListMoviesMessage{}, protocol.TypeMovieList, resp); err != nil {
		return nil, err
	}
	return resp.Movies, nil
}

// GroupMembers lists the users in group; "@AllUsers" lists the whole movie
func (c *Client) GroupMembers(group string) ([]string, error) {
	resp := &protocol.NameListMessage{}
	if err := c.do(protocol.TypeListGroupMembers, &protocol.GroupMessage{Group: group}, protocol.TypeMemberList, resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// UserGroups lists the groups user belongs to
func (c *Client) UserGroups(user string) ([]string, error) {
	resp := &protocol.NameListMessage{}
	if err := c.do(protocol.TypeListUserGroups, &protocol.UserMessage{User: user}, protocol.TypeUserGroups, resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// MovieTarget addresses the movie's own attributes
func MovieTarget() protocol.AttributeTarget {
	return protocol.AttributeTarget{Scope: protocol.ScopeMovie}
}

// GroupTarget addresses attributes of a group
func GroupTarget(group string) protocol.AttributeTarget {
	return protocol.AttributeTarget{Scope: protocol.ScopeGroup, Name: group}
}

// UserTarget addresses attributes of a user
func UserTarget(user string) protocol.AttributeTarget {
	return protocol.AttributeTarget{Scope: protocol.ScopeUser, Name: user}
}

func (c *Client) SetAttribute(target protocol.AttributeTarget, key string, value []byte) error {
	return c.do(protocol.TypeSetAttribute, &protocol.SetAttributeMessage{Target: target, Key: key, Value: value}, protocol.TypeAttributeSet, nil)
}

func (c *Client) GetAttribute(target protocol.AttributeTarget, key string) (*protocol.AttributeValueMessage, error) {
	resp := &protocol.AttributeValueMessage{}
	if err := c.do(protocol.TypeGetAttribute, &protocol.AttributeKeyMessage{Target: target, Key: key}, protocol.TypeAttributeValue, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) DeleteAttribute(target protocol.AttributeTarget, key string) error {
	return c.do(protocol.TypeDeleteAttribute, &protocol.AttributeKeyMessage{Target: target, Key: key}, protocol.TypeAttributeDeleted, nil)
}

func (c *Client) AttributeNames(target protocol.AttributeTarget) ([]string, error) {
	resp := &protocol.AttributeNamesMessage{}
	if err := c.do(protocol.TypeGetAttributeNames, &protocol.GetAttributeNamesMessage{Target: target}, protocol.TypeAttributeNames, resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// Lock takes the attribute lock. A zero ttl uses the server default.
func (c *Client) Lock(target protocol.AttributeTarget, key string, ttl time.Duration) (*protocol.LockGrantedMessage, error) {
	resp := &protocol.LockGrantedMessage{}
	req := &protocol.LockAttributeMessage{Target: target, Key: key, TTLMillis: uint32(ttl / time.Millisecond)}
	if err := c.do(protocol.TypeLockAttribute, req, protocol.TypeLockGranted, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Unlock reports whether a lock held by this session was released
func (c *Client) Unlock(target protocol.AttributeTarget, key string) (bool, error) {
	resp := &protocol.UnlockResponseMessage{}
	if err := c.do(protocol.TypeUnlockAttribute, &protocol.AttributeKeyMessage{Target: target, Key: key}, protocol.TypeUnlockResponse, resp); err != nil {
		return false, err
	}
	return resp.Released, nil
}

// SendToGroup returns how many sessions the message was queued for
func (c *Client) SendToGroup(group, subject string, content []byte, includeSelf bool) (int, error) {
	resp := &protocol.DeliveredMessage{}
	req := &protocol.SendToGroupMessage{Group: group, Subject: subject, Content: content, IncludeSelf: includeSelf}
	if err := c.do(protocol.TypeSendToGroup, req, protocol.TypeDelivered, resp); err != nil {
		return 0, err
	}
	return int(resp.Recipients), nil
}

func (c *Client) SendToUser(user, subject string, content []byte) error {
	return c.do(protocol.TypeSendToUser, &protocol.SendToUserMessage{User: user, Subject: subject, Content: content}, protocol.TypeDelivered, &protocol.DeliveredMessage{})
}

// CallRemoteMethod asks user's client to run method. Results, if any,
// come back as a separate call from that user.
func (c *Client) CallRemoteMethod(user, method string, args []byte) error {
	return c.do(protocol.TypeCallRemoteMethod, &protocol.CallRemoteMethodMessage{User: user, Method: method, Args: args}, protocol.TypeDelivered, &protocol.DeliveredMessage{})
}

// Ping measures the round trip to the server
func (c *Client) Ping() (time.Duration, error) {
	start := time.Now()
	resp := &protocol.PongMessage{}
	if err := c.do(protocol.TypePing, &protocol.PingMessage{Timestamp: start.UnixMilli()}, protocol.TypePong, resp); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

package server

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/aeolun/musserver/pkg/registry"
)

var (
	// ErrClientDisconnecting ends the message loop without an error response
	ErrClientDisconnecting = errors.New("client disconnecting")

	// errDatabase marks failures of the account store
	errDatabase = errors.New("database error")
)

// errorCode maps a handler error onto its wire code. Errors outside the
// taxonomy report false and are answered as internal errors.
func errorCode(err error) (uint16, bool) {
	switch {
	case errors.Is(err, registry.ErrValueTooLarge):
		return protocol.ErrCodeValueTooLarge, true
	case errors.Is(err, registry.ErrMalformed):
		return protocol.ErrCodeMalformedCommand, true
	case errors.Is(err, registry.ErrInvalidState):
		return protocol.ErrCodeInvalidState, true
	case errors.Is(err, registry.ErrPermissionDenied):
		return protocol.ErrCodePermissionDenied, true
	case errors.Is(err, registry.ErrNotFound):
		return protocol.ErrCodeNotFound, true
	case errors.Is(err, registry.ErrLimitExceeded):
		return protocol.ErrCodeLimitExceeded, true
	case errors.Is(err, registry.ErrNameInUse):
		return protocol.ErrCodeNameInUse, true
	case errors.Is(err, registry.ErrNameConflict):
		return protocol.ErrCodeNameConflict, true
	case errors.Is(err, registry.ErrLocked):
		return protocol.ErrCodeLocked, true
	case errors.Is(err, errDatabase):
		return protocol.ErrCodeDatabaseError, true
	}
	return 0, false
}

// handleMessage dispatches a frame to its handler and writes the one direct
// response every command gets. Notifications go through the broadcaster.
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) (err error) {
	if sess.State() >= StateClosing {
		debugLog.Printf("Session %d: dropping type 0x%02X, session is %s", sess.ID, frame.Type, sess.State())
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Session %d: panic handling type 0x%02X: %v\n%s", sess.ID, frame.Type, r, debug.Stack())
			err = s.sendError(sess, frame.Type, protocol.ErrCodeInternalError, "Internal error")
		}
	}()

	var (
		respType uint8
		resp     protocol.ProtocolMessage
	)

	switch frame.Type {
	case protocol.TypeLogin:
		respType, resp, err = s.handleLogin(sess, frame)
	case protocol.TypeLogout:
		return s.handleLogout(sess, frame)
	case protocol.TypeDisconnect:
		return s.handleDisconnect(sess, frame)
	case protocol.TypePing:
		respType, resp, err = s.handlePing(sess, frame)
	case protocol.TypeJoinGroup:
		respType, resp, err = s.handleJoinGroup(sess, frame)
	case protocol.TypeLeaveGroup:
		respType, resp, err = s.handleLeaveGroup(sess, frame)
	case protocol.TypeCreateGroup:
		respType, resp, err = s.handleCreateGroup(sess, frame)
	case protocol.TypeSetAttribute:
		respType, resp, err = s.handleSetAttribute(sess, frame)
	case protocol.TypeGetAttribute:
		respType, resp, err = s.handleGetAttribute(sess, frame)
	case protocol.TypeDeleteAttribute:
		respType, resp, err = s.handleDeleteAttribute(sess, frame)
	case protocol.TypeGetAttributeNames:
		respType, resp, err = s.handleGetAttributeNames(sess, frame)
	case protocol.TypeLockAttribute:
		respType, resp, err = s.handleLockAttribute(sess, frame)
	case protocol.TypeUnlockAttribute:
		respType, resp, err = s.handleUnlockAttribute(sess, frame)
	case protocol.TypeSendToGroup:
		respType, resp, err = s.handleSendToGroup(sess, frame)
	case protocol.TypeSendToUser:
		respType, resp, err = s.handleSendToUser(sess, frame)
	case protocol.TypeCallRemoteMethod:
		respType, resp, err = s.handleCallRemoteMethod(sess, frame)
	case protocol.TypeListGroups:
		respType, resp, err = s.handleListGroups(sess, frame)
	case protocol.TypeListGroupMembers:
		respType, resp, err = s.handleListGroupMembers(sess, frame)
	case protocol.TypeListUserGroups:
		respType, resp, err = s.handleListUserGroups(sess, frame)
	case protocol.TypeGetServerInfo:
		respType, resp, err = s.handleGetServerInfo(sess)
	case protocol.TypeListMovies:
		respType, resp, err = s.handleListMovies(sess)
	default:
		// Unknown or unimplemented message type
		return s.sendError(sess, frame.Type, protocol.ErrCodeUnsupported, "Unsupported message type")
	}

	if err != nil {
		code, ok := errorCode(err)
		if !ok {
			return err
		}
		debugLog.Printf("Session %d: type 0x%02X rejected with %d: %v", sess.ID, frame.Type, code, err)
		return s.sendError(sess, frame.Type, code, err.Error())
	}
	return s.sendMessage(sess, respType, resp)
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", registry.ErrMalformed, err)
}

// activeHandle returns the registry handle of a logged-in session
func activeHandle(sess *Session) (*registry.Handle, error) {
	if sess.State() != StateActive {
		return nil, fmt.Errorf("%w: session is %s, log in first", registry.ErrInvalidState, sess.State())
	}
	h := sess.Handle()
	if h == nil {
		return nil, fmt.Errorf("%w: session has no user", registry.ErrInvalidState)
	}
	return h, nil
}

// requireLevel refuses the command when the session's account level is
// below the configured minimum
func requireLevel(sess *Session, min uint32, what string) error {
	if uint32(sess.Level()) < min {
		return fmt.Errorf("%w: %s needs level %d, %s has %d", registry.ErrPermissionDenied, what, min, sess.UserName(), sess.Level())
	}
	return nil
}

func scopeOf(t protocol.AttributeTarget) registry.Scope {
	return registry.Scope{Kind: registry.ScopeKind(t.Scope), Name: t.Name}
}

func (s *Server) handleLogin(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.LoginMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}

	if !sess.transition(StateConnected, StateAuthenticating) {
		return 0, nil, fmt.Errorf("%w: session is %s", registry.ErrInvalidState, sess.State())
	}

	if s.auth.Required() && !s.checkAuthRateLimit(sess.RemoteAddr) {
		sess.transition(StateAuthenticating, StateConnected)
		return 0, nil, fmt.Errorf("%w: too many failed logins from %s", registry.ErrLimitExceeded, sess.RemoteAddr)
	}

	id, err := s.auth.Authenticate(sess, msg.Movie, msg.UserName, msg.Password)
	if err != nil {
		sess.transition(StateAuthenticating, StateConnected)
		if errors.Is(err, registry.ErrPermissionDenied) {
			s.recordAuthFailure(sess.RemoteAddr)
		}
		s.audit.record("login_failed", sess, msg.Movie, msg.UserName, err.Error())
		return 0, nil, err
	}

	h, err := s.registry.JoinMovie(sess.ID, msg.Movie, id.Name)
	if err != nil {
		sess.transition(StateAuthenticating, StateConnected)
		s.audit.record("login_failed", sess, msg.Movie, id.Name, err.Error())
		return 0, nil, err
	}
	sess.setLevel(id.Level)
	sess.setHandle(h)

	if !sess.transition(StateAuthenticating, StateActive) {
		// Closed while logging in; teardown may have missed the handle
		if _, err := s.registry.LeaveMovie(h); err == nil {
			debugLog.Printf("Session %d: closed during login, left %s", sess.ID, h.Movie())
		}
		sess.setHandle(nil)
		return 0, nil, fmt.Errorf("%w: session closed during login", registry.ErrInvalidState)
	}

	log.Printf("Session %d: %s joined movie %s", sess.ID, h.UserName(), h.Movie())
	s.audit.record("login", sess, h.Movie(), h.UserName(), sess.Transport)

	if ids, err := s.registry.MovieSessions(h.Movie()); err == nil {
		s.fanout(sess.ID, groupDest(h.Movie(), registry.AllUsersGroup), "membership", ids, sess.ID, protocol.TypeMembership, &protocol.MembershipMessage{
			Group:  registry.AllUsersGroup,
			User:   h.UserName(),
			Reason: protocol.MembershipJoined,
		})
	}

	return protocol.TypeLoginResponse, &protocol.LoginResponseMessage{
		SessionID: sess.ID,
		UserID:    uint64(h.UserID()),
		Movie:     h.Movie(),
		UserName:  h.UserName(),
		Token:     sess.Token,
	}, nil
}

// handleLogout answers and then closes the session. The client is expected
// to reconnect for a new login.
func (s *Server) handleLogout(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.LogoutMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, frame.Type, protocol.ErrCodeMalformedCommand, "Invalid message format")
	}
	if _, err := activeHandle(sess); err != nil {
		return s.sendError(sess, frame.Type, protocol.ErrCodeInvalidState, err.Error())
	}

	if err := s.sendMessage(sess, protocol.TypeLogoutResponse, &protocol.LogoutMessage{}); err != nil {
		debugLog.Printf("Session %d: failed to send logout response: %v", sess.ID, err)
	}
	s.closeSession(sess, protocol.MembershipLeft, "")
	return ErrClientDisconnecting
}

// handleDisconnect handles graceful client disconnect. There is no response,
// the connection is gone afterwards.
func (s *Server) handleDisconnect(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.DisconnectMessage{}
	if err := msg.Decode(frame.Payload); err == nil && msg.Reason != "" {
		debugLog.Printf("Session %d: client disconnecting: %s", sess.ID, msg.Reason)
	}
	s.closeSession(sess, protocol.MembershipLeft, "")
	return ErrClientDisconnecting
}

func (s *Server) handlePing(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.PingMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	return protocol.TypePong, &protocol.PongMessage{
		ClientTimestamp: msg.Timestamp,
		ServerTimestamp: time.Now().UnixMilli(),
	}, nil
}

func (s *Server) handleJoinGroup(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.GroupMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	join := s.registry.JoinGroup
	if requireLevel(sess, s.createGroupLevel.Load(), "creating groups") != nil {
		join = s.registry.JoinExistingGroup
	}
	joined, err := join(h, msg.Group)
	if err != nil {
		return 0, nil, err
	}

	if !joined.Already {
		s.audit.record("join", sess, h.Movie(), h.UserName(), joined.Group.Name)
		s.fanout(sess.ID, groupDest(h.Movie(), joined.Group.Name), "membership", joined.Interested, 0, protocol.TypeMembership, &protocol.MembershipMessage{
			Group:  joined.Group.Name,
			User:   h.UserName(),
			Reason: protocol.MembershipJoined,
		})
	}

	return protocol.TypeGroupJoined, &protocol.GroupJoinedMessage{
		Group:   joined.Group.Name,
		Members: uint32(joined.Group.Members),
		Created: joined.Created,
	}, nil
}

func (s *Server) handleLeaveGroup(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.GroupMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	leave, err := s.registry.LeaveGroup(h, msg.Group)
	if err != nil {
		return 0, nil, err
	}

	if leave.WasMember {
		s.audit.record("leave", sess, h.Movie(), h.UserName(), leave.Group)
		s.fanout(sess.ID, groupDest(h.Movie(), leave.Group), "membership", leave.Interested, 0, protocol.TypeMembership, &protocol.MembershipMessage{
			Group:  leave.Group,
			User:   h.UserName(),
			Reason: protocol.MembershipLeft,
		})
	}

	return protocol.TypeGroupLeft, &protocol.GroupLeftMessage{
		Group:     leave.Group,
		WasMember: leave.WasMember,
	}, nil
}

func (s *Server) handleCreateGroup(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.GroupMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}
	if err := requireLevel(sess, s.createGroupLevel.Load(), "creating groups"); err != nil {
		return 0, nil, err
	}

	info, err := s.registry.CreateGroup(h, msg.Group)
	if err != nil {
		return 0, nil, err
	}
	debugLog.Printf("Session %d: created group %s in %s", sess.ID, info.Name, h.Movie())
	return protocol.TypeGroupCreated, &protocol.GroupMessage{Group: info.Name}, nil
}

// notifyAttributeChange tells the interested sessions, minus the writer,
// about a set or delete
func (s *Server) notifyAttributeChange(sess *Session, h *registry.Handle, target protocol.AttributeTarget, change registry.AttributeChange) {
	_, err := s.fanout(sess.ID, scopeDest(h.Movie(), change.Scope), "attribute", change.Interested, sess.ID, protocol.TypeAttributeChanged, &protocol.AttributeChangedMessage{
		Target:    target,
		Key:       change.Key,
		Value:     change.Value,
		Deleted:   change.Deleted,
		ChangedBy: change.SetBy,
	})
	if err != nil {
		debugLog.Printf("Session %d: attribute notification not queued: %v", sess.ID, err)
	}
}

func (s *Server) handleSetAttribute(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.SetAttributeMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	change, err := s.registry.SetAttribute(h, scopeOf(msg.Target), msg.Key, msg.Value)
	if err != nil {
		return 0, nil, err
	}
	s.audit.record("attribute_set", sess, h.Movie(), h.UserName(), change.Scope.String()+" "+change.Key)
	s.notifyAttributeChange(sess, h, msg.Target, change)

	return protocol.TypeAttributeSet, &protocol.AttributeKeyMessage{Target: msg.Target, Key: msg.Key}, nil
}

func (s *Server) handleGetAttribute(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.AttributeKeyMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	info, err := s.registry.GetAttribute(h, scopeOf(msg.Target), msg.Key)
	if err != nil {
		return 0, nil, err
	}
	return protocol.TypeAttributeValue, &protocol.AttributeValueMessage{
		Target:     msg.Target,
		Key:        info.Key,
		Value:      info.Value,
		SetBy:      info.SetBy,
		UpdatedAt:  info.UpdatedAt.UnixMilli(),
		LockHolder: info.LockHolder,
	}, nil
}

func (s *Server) handleDeleteAttribute(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.AttributeKeyMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	change, err := s.registry.DeleteAttribute(h, scopeOf(msg.Target), msg.Key)
	if err != nil {
		return 0, nil, err
	}
	s.notifyAttributeChange(sess, h, msg.Target, change)

	return protocol.TypeAttributeDeleted, &protocol.AttributeKeyMessage{Target: msg.Target, Key: msg.Key}, nil
}

func (s *Server) handleGetAttributeNames(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.GetAttributeNamesMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	keys, err := s.registry.AttributeNames(h, scopeOf(msg.Target))
	if err != nil {
		return 0, nil, err
	}
	return protocol.TypeAttributeNames, &protocol.AttributeNamesMessage{Target: msg.Target, Keys: keys}, nil
}

func (s *Server) handleLockAttribute(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.LockAttributeMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	ttl := time.Duration(msg.TTLMillis) * time.Millisecond
	lock, err := s.registry.TryLock(h, scopeOf(msg.Target), msg.Key, ttl)
	if errors.Is(err, registry.ErrLocked) {
		s.metrics.RecordLockDenied()
		s.audit.record("lock_denied", sess, h.Movie(), h.UserName(), lock.Scope.String()+" "+lock.Key+" held by "+lock.Holder)
	}
	if err != nil {
		return 0, nil, err
	}

	var expires int64
	if !lock.Expires.IsZero() {
		expires = lock.Expires.UnixMilli()
	}
	return protocol.TypeLockGranted, &protocol.LockGrantedMessage{
		Target:    msg.Target,
		Key:       msg.Key,
		ExpiresAt: expires,
	}, nil
}

func (s *Server) handleUnlockAttribute(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.AttributeKeyMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	released, err := s.registry.Unlock(h, scopeOf(msg.Target), msg.Key)
	if err != nil {
		return 0, nil, err
	}
	return protocol.TypeUnlockResponse, &protocol.UnlockResponseMessage{
		Target:   msg.Target,
		Key:      msg.Key,
		Released: released,
	}, nil
}

func (s *Server) handleSendToGroup(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.SendToGroupMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	if _, err := activeHandle(sess); err != nil {
		return 0, nil, err
	}
	if registry.IsAllUsers(msg.Group) {
		if err := requireLevel(sess, s.allUsersLevel.Load(), "sending to "+registry.AllUsersGroup); err != nil {
			return 0, nil, err
		}
	}

	n, err := s.BroadcastToGroup(sess, msg.Group, protocol.TypeGroupBroadcast, &protocol.GroupBroadcastMessage{
		Group:   msg.Group,
		Sender:  sess.UserName(),
		Subject: msg.Subject,
		Content: msg.Content,
	}, !msg.IncludeSelf)
	if err != nil {
		return 0, nil, err
	}
	return protocol.TypeDelivered, &protocol.DeliveredMessage{RequestType: frame.Type, Recipients: uint32(n)}, nil
}

func (s *Server) handleSendToUser(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.SendToUserMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	if _, err := activeHandle(sess); err != nil {
		return 0, nil, err
	}

	if err := s.SendToUser(sess, msg.User, msg.Subject, msg.Content); err != nil {
		return 0, nil, err
	}
	return protocol.TypeDelivered, &protocol.DeliveredMessage{RequestType: frame.Type, Recipients: 1}, nil
}

func (s *Server) handleCallRemoteMethod(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.CallRemoteMethodMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	if _, err := activeHandle(sess); err != nil {
		return 0, nil, err
	}

	if err := s.CallRemoteMethod(sess, msg.User, msg.Method, msg.Args); err != nil {
		return 0, nil, err
	}
	return protocol.TypeDelivered, &protocol.DeliveredMessage{RequestType: frame.Type, Recipients: 1}, nil
}

func (s *Server) handleGetServerInfo(sess *Session) (uint8, protocol.ProtocolMessage, error) {
	if _, err := activeHandle(sess); err != nil {
		return 0, nil, err
	}

	movies := s.registry.Movies()
	users := 0
	for _, m := range movies {
		users += m.Users
	}
	return protocol.TypeServerInfo, &protocol.ServerInfoMessage{
		Version:       Version,
		ServerTime:    time.Now().UnixMilli(),
		UptimeSeconds: uint32(time.Since(s.startTime).Seconds()),
		Movies:        uint32(len(movies)),
		Users:         uint32(users),
	}, nil
}

// handleListMovies answers with every live movie in name order
func (s *Server) handleListMovies(sess *Session) (uint8, protocol.ProtocolMessage, error) {
	if _, err := activeHandle(sess); err != nil {
		return 0, nil, err
	}

	movies := s.registry.Movies()
	resp := &protocol.MovieListMessage{Movies: make([]protocol.MovieSummary, 0, len(movies))}
	for _, m := range movies {
		resp.Movies = append(resp.Movies, protocol.MovieSummary{
			Name:   m.Name,
			Users:  uint32(m.Users),
			Groups: uint32(m.Groups),
		})
	}
	return protocol.TypeMovieList, resp, nil
}

func (s *Server) handleListGroups(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	users, groups, err := s.registry.Groups(h)
	if err != nil {
		return 0, nil, err
	}
	resp := &protocol.GroupListMessage{
		Users:  uint32(users),
		Groups: make([]protocol.GroupSummary, 0, len(groups)),
	}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, protocol.GroupSummary{Name: g.Name, Members: uint32(g.Members)})
	}
	return protocol.TypeGroupList, resp, nil
}

func (s *Server) handleListGroupMembers(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.GroupMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	names, err := s.registry.GroupMembers(h, msg.Group)
	if err != nil {
		return 0, nil, err
	}
	return protocol.TypeMemberList, &protocol.NameListMessage{Name: msg.Group, Names: names}, nil
}

func (s *Server) handleListUserGroups(sess *Session, frame *protocol.Frame) (uint8, protocol.ProtocolMessage, error) {
	msg := &protocol.UserMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return 0, nil, malformed(err)
	}
	h, err := activeHandle(sess)
	if err != nil {
		return 0, nil, err
	}

	names, err := s.registry.UserGroups(h, msg.User)
	if err != nil {
		return 0, nil, err
	}
	user := msg.User
	if user == "" {
		user = h.UserName()
	}
	return protocol.TypeUserGroups, &protocol.NameListMessage{Name: user, Names: names}, nil
}

// sendMessage encodes msg for the session's protocol version and writes it
func (s *Server) sendMessage(sess *Session, msgType uint8, msg protocol.ProtocolMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Flags:   0,
		Payload: payload,
	}

	debugLog.Printf("Session %d → SEND: Type=0x%02X (%s) PayloadLen=%d", sess.ID, msgType, messageTypeToString(msgType), len(payload))
	s.metrics.RecordMessageSent(messageTypeToString(msgType))
	return sess.Conn.EncodeFrame(frame, sess.ProtocolVersion())
}

// sendError sends an ERROR message answering a request of requestType
func (s *Server) sendError(sess *Session, requestType uint8, code uint16, message string) error {
	s.metrics.RecordCommandError(code)
	return s.sendMessage(sess, protocol.TypeError, &protocol.ErrorMessage{
		ErrorCode:   code,
		RequestType: requestType,
		Message:     message,
	})
}

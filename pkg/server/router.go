package server

import (
	"fmt"

	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/aeolun/musserver/pkg/registry"
)

// routeToUser queues msg for one user of the sender's movie. Delivery shares
// the broadcast shards, so a sender's messages to one user keep their order.
func (s *Server) routeToUser(from *Session, toUser string, msgType uint8, msg protocol.ProtocolMessage) error {
	h := from.Handle()
	if h == nil {
		return registry.ErrInvalidState
	}
	target, name, err := s.registry.LookupUser(h, toUser)
	if err != nil {
		return err
	}
	sess, ok := s.sessions.GetSession(target)
	if !ok {
		// Registered but already tearing down
		return fmt.Errorf("%w: user %q is disconnecting", registry.ErrNotFound, toUser)
	}
	return s.broadcaster.Enqueue(from.ID, userDest(h.Movie(), name), "direct", []*Session{sess}, msgType, msg)
}

// SendToUser delivers a direct message to another user in the same movie
func (s *Server) SendToUser(from *Session, toUser, subject string, content []byte) error {
	return s.routeToUser(from, toUser, protocol.TypeDirectMessage, &protocol.DirectMessage{
		Sender:  from.UserName(),
		Subject: subject,
		Content: content,
	})
}

// CallRemoteMethod notifies another user that the sender invoked method on
// it. The call is one-way: the caller only learns that it was routed.
func (s *Server) CallRemoteMethod(from *Session, toUser, method string, args []byte) error {
	if method == "" {
		return fmt.Errorf("%w: empty method name", registry.ErrMalformed)
	}
	return s.routeToUser(from, toUser, protocol.TypeRemoteCall, &protocol.RemoteCallMessage{
		Sender: from.UserName(),
		Method: method,
		Args:   args,
	})
}

package server

import (
	"fmt"
	"net/http"

	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. All Record methods are
// safe on a nil receiver so tests can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	sessionsCreated     *prometheus.CounterVec
	sessionsClosed      *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	commandErrors       *prometheus.CounterVec
	broadcasts          prometheus.Counter
	broadcastFanout     *prometheus.HistogramVec
	broadcastDuration   *prometheus.HistogramVec
	broadcastQueueDepth prometheus.Gauge
	locksDenied         prometheus.Counter
	locksExpired        prometheus.Counter
	movies              prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "musserver",
			Name:      "active_sessions",
			Help:      "Number of open client connections.",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "musserver",
			Name:      "sessions_created_total",
			Help:      "Connections accepted, by transport.",
		}, []string{"transport"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "musserver",
			Name:      "sessions_closed_total",
			Help:      "Connections closed, by transport.",
		}, []string{"transport"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "musserver",
			Name:      "messages_received_total",
			Help:      "Frames received from clients, by message type.",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "musserver",
			Name:      "messages_sent_total",
			Help:      "Frames sent to clients, by message type.",
		}, []string{"type"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "musserver",
			Name:      "command_errors_total",
			Help:      "Error responses, by error code.",
		}, []string{"code"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "musserver",
			Name:      "broadcasts_total",
			Help:      "Group and movie broadcasts delivered.",
		}),
		broadcastFanout: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "musserver",
			Name:      "broadcast_fanout",
			Help:      "Recipients per broadcast.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"kind"}),
		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "musserver",
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent writing one broadcast to all recipients.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		broadcastQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "musserver",
			Name:      "broadcast_queue_depth",
			Help:      "Deliveries waiting in broadcast shards.",
		}),
		locksDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "musserver",
			Name:      "attribute_locks_denied_total",
			Help:      "Lock attempts refused because another session holds the lock.",
		}),
		locksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "musserver",
			Name:      "attribute_locks_expired_total",
			Help:      "Locks removed by the periodic sweep.",
		}),
		movies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "musserver",
			Name:      "movies",
			Help:      "Live movies.",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsClosed,
		m.messagesReceived,
		m.messagesSent,
		m.commandErrors,
		m.broadcasts,
		m.broadcastFanout,
		m.broadcastDuration,
		m.broadcastQueueDepth,
		m.locksDenied,
		m.locksExpired,
		m.movies,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionDisconnected(transport string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordCommandError(code uint16) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
}

func (m *Metrics) RecordMessageBroadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) RecordBroadcastFanout(kind string, recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(kind).Observe(float64(recipients))
}

func (m *Metrics) RecordBroadcastDuration(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.broadcastDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) RecordBroadcastQueued(delta int) {
	if m == nil {
		return
	}
	m.broadcastQueueDepth.Add(float64(delta))
}

func (m *Metrics) RecordLockDenied() {
	if m == nil {
		return
	}
	m.locksDenied.Inc()
}

func (m *Metrics) RecordLocksExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.locksExpired.Add(float64(n))
}

func (m *Metrics) RecordMovies(n int) {
	if m == nil {
		return
	}
	m.movies.Set(float64(n))
}

// messageTypeToString converts a message type byte to a metrics label
func messageTypeToString(msgType uint8) string {
	switch msgType {
	case protocol.TypeLogin:
		return "LOGIN"
	case protocol.TypeLogout:
		return "LOGOUT"
	case protocol.TypeJoinGroup:
		return "JOIN_GROUP"
	case protocol.TypeLeaveGroup:
		return "LEAVE_GROUP"
	case protocol.TypeSetAttribute:
		return "SET_ATTRIBUTE"
	case protocol.TypeGetAttribute:
		return "GET_ATTRIBUTE"
	case protocol.TypeLockAttribute:
		return "LOCK_ATTRIBUTE"
	case protocol.TypeUnlockAttribute:
		return "UNLOCK_ATTRIBUTE"
	case protocol.TypeSendToGroup:
		return "SEND_TO_GROUP"
	case protocol.TypeSendToUser:
		return "SEND_TO_USER"
	case protocol.TypeCallRemoteMethod:
		return "CALL_REMOTE_METHOD"
	case protocol.TypeCreateGroup:
		return "CREATE_GROUP"
	case protocol.TypeDeleteAttribute:
		return "DELETE_ATTRIBUTE"
	case protocol.TypeGetAttributeNames:
		return "GET_ATTRIBUTE_NAMES"
	case protocol.TypeListGroups:
		return "LIST_GROUPS"
	case protocol.TypePing:
		return "PING"
	case protocol.TypeDisconnect:
		return "DISCONNECT"
	case protocol.TypeListGroupMembers:
		return "LIST_GROUP_MEMBERS"
	case protocol.TypeListUserGroups:
		return "LIST_USER_GROUPS"
	case protocol.TypeGetServerInfo:
		return "GET_SERVER_INFO"
	case protocol.TypeListMovies:
		return "LIST_MOVIES"
	case protocol.TypeLoginResponse:
		return "LOGIN_RESPONSE"
	case protocol.TypeLogoutResponse:
		return "LOGOUT_RESPONSE"
	case protocol.TypeGroupJoined:
		return "GROUP_JOINED"
	case protocol.TypeGroupLeft:
		return "GROUP_LEFT"
	case protocol.TypeAttributeSet:
		return "ATTRIBUTE_SET"
	case protocol.TypeAttributeValue:
		return "ATTRIBUTE_VALUE"
	case protocol.TypeLockGranted:
		return "LOCK_GRANTED"
	case protocol.TypeUnlockResponse:
		return "UNLOCK_RESPONSE"
	case protocol.TypeDelivered:
		return "DELIVERED"
	case protocol.TypeGroupCreated:
		return "GROUP_CREATED"
	case protocol.TypeAttributeDeleted:
		return "ATTRIBUTE_DELETED"
	case protocol.TypeAttributeNames:
		return "ATTRIBUTE_NAMES"
	case protocol.TypeGroupList:
		return "GROUP_LIST"
	case protocol.TypeMemberList:
		return "MEMBER_LIST"
	case protocol.TypeUserGroups:
		return "USER_GROUPS"
	case protocol.TypePong:
		return "PONG"
	case protocol.TypeError:
		return "ERROR"
	case protocol.TypeServerInfo:
		return "SERVER_INFO"
	case protocol.TypeMovieList:
		return "MOVIE_LIST"
	case protocol.TypeServerConfig:
		return "SERVER_CONFIG"
	case protocol.TypeGroupBroadcast:
		return "GROUP_BROADCAST"
	case protocol.TypeDirectMessage:
		return "DIRECT_MESSAGE"
	case protocol.TypeRemoteCall:
		return "REMOTE_CALL"
	case protocol.TypeMembership:
		return "MEMBERSHIP"
	case protocol.TypeAttributeChanged:
		return "ATTRIBUTE_CHANGED"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", msgType)
	}
}

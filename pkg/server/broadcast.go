package server

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/aeolun/musserver/pkg/registry"
	"github.com/cespare/xxhash/v2"
)

const (
	defaultBroadcastShards = 16
	broadcastQueueLen      = 256

	// Fan-out pool for one delivery
	maxBroadcastWorkers = 40
	sessionsPerWorker   = 50
)

// ErrBroadcasterClosed is returned for deliveries queued after shutdown
var ErrBroadcasterClosed = errors.New("broadcaster closed")

// encodedFrame holds one frame pre-encoded for both protocol generations
type encodedFrame struct {
	v1Bytes []byte // Never compressed
	v2Bytes []byte // Compressed when large enough
}

// encodeFrameVersionAware encodes a frame once per protocol generation so a
// broadcast does not re-encode per recipient
func encodeFrameVersionAware(frame *protocol.Frame) (*encodedFrame, error) {
	v1, err := protocol.EncodeMessage(frame.Version, frame.Type, frame.Flags, frame.Payload, 1)
	if err != nil {
		return nil, err
	}
	if len(frame.Payload) < protocol.CompressionThreshold {
		return &encodedFrame{v1Bytes: v1, v2Bytes: v1}, nil
	}
	v2, err := protocol.EncodeMessage(frame.Version, frame.Type, frame.Flags, frame.Payload, protocol.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	return &encodedFrame{v1Bytes: v1, v2Bytes: v2}, nil
}

func (e *encodedFrame) forSession(sess *Session) []byte {
	if sess.ProtocolVersion() >= 2 {
		return e.v2Bytes
	}
	return e.v1Bytes
}

// delivery is one queued fan-out
type delivery struct {
	kind       string
	recipients []*Session
	frame      *encodedFrame
	msgType    uint8
	barrier    chan struct{} // set for Flush markers only
}

// Broadcaster delivers frames to recipient snapshots. Deliveries are hashed
// by (sender, destination) onto ordered shard queues; a shard finishes one
// delivery before it starts the next, so everything one sender addresses to
// one destination arrives in the order it was queued.
type Broadcaster struct {
	shards  []chan delivery
	metrics *Metrics
	onDead  func(*Session)

	mu     sync.RWMutex // Held for reading while queueing, for writing by Close
	closed bool
	wg     sync.WaitGroup
}

// NewBroadcaster starts shardCount delivery goroutines. onDead is called for
// every recipient whose connection failed a write.
func NewBroadcaster(shardCount int, metrics *Metrics, onDead func(*Session)) *Broadcaster {
	if shardCount <= 0 {
		shardCount = defaultBroadcastShards
	}
	b := &Broadcaster{
		shards:  make([]chan delivery, shardCount),
		metrics: metrics,
		onDead:  onDead,
	}
	for i := range b.shards {
		b.shards[i] = make(chan delivery, broadcastQueueLen)
		b.wg.Add(1)
		go b.run(b.shards[i])
	}
	return b
}

// shardFor picks the queue that owns a (sender, destination) pair
func (b *Broadcaster) shardFor(sender uint64, dest string) int {
	var key [8]byte
	for i := 0; i < 8; i++ {
		key[i] = byte(sender >> (8 * i))
	}
	d := xxhash.New()
	d.Write(key[:])
	d.WriteString(dest)
	return int(d.Sum64() % uint64(len(b.shards)))
}

// Enqueue queues msg for recipients. It blocks while the shard is full.
func (b *Broadcaster) Enqueue(sender uint64, dest, kind string, recipients []*Session, msgType uint8, msg protocol.ProtocolMessage) error {
	if len(recipients) == 0 {
		return nil
	}

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
	encoded, err := encodeFrameVersionAware(frame)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBroadcasterClosed
	}
	b.metrics.RecordBroadcastQueued(1)
	b.shards[b.shardFor(sender, dest)] <- delivery{
		kind:       kind,
		recipients: recipients,
		frame:      encoded,
		msgType:    msgType,
	}
	return nil
}

// Flush waits until everything queued before the call has been written
func (b *Broadcaster) Flush() {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	barriers := make([]chan struct{}, len(b.shards))
	for i, shard := range b.shards {
		barriers[i] = make(chan struct{})
		b.metrics.RecordBroadcastQueued(1)
		shard <- delivery{barrier: barriers[i]}
	}
	b.mu.RUnlock()

	for _, done := range barriers {
		<-done
	}
}

// Close lets queued deliveries finish and stops the shard goroutines
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, shard := range b.shards {
		close(shard)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Broadcaster) run(queue chan delivery) {
	defer b.wg.Done()

	for d := range queue {
		b.metrics.RecordBroadcastQueued(-1)
		if d.barrier != nil {
			close(d.barrier)
			continue
		}
		b.deliver(d)
	}
}

func (b *Broadcaster) deliver(d delivery) {
	startTime := time.Now()

	dead := writeToSessions(d.recipients, d.frame)
	for _, sess := range dead {
		if b.onDead != nil {
			b.onDead(sess)
		}
	}

	label := messageTypeToString(d.msgType)
	for range d.recipients {
		b.metrics.RecordMessageSent(label)
	}
	b.metrics.RecordMessageBroadcast()
	b.metrics.RecordBroadcastFanout(d.kind, len(d.recipients))
	b.metrics.RecordBroadcastDuration(d.kind, time.Since(startTime).Seconds())
}

// writeToSessions writes one encoded frame to every session using a bounded
// pool of workers, each handling a contiguous chunk. It returns the sessions
// whose writes failed.
func writeToSessions(sessions []*Session, frame *encodedFrame) []*Session {
	if len(sessions) == 0 {
		return nil
	}

	numWorkers := (len(sessions) + sessionsPerWorker - 1) / sessionsPerWorker
	if numWorkers > maxBroadcastWorkers {
		numWorkers = maxBroadcastWorkers
	}
	chunkSize := (len(sessions) + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	var deadMu sync.Mutex
	var dead []*Session

	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		if start >= len(sessions) {
			break
		}
		end := start + chunkSize
		if end > len(sessions) {
			end = len(sessions)
		}

		wg.Add(1)
		go func(chunk []*Session) {
			defer wg.Done()
			for _, sess := range chunk {
				if err := sess.Conn.WriteBytes(frame.forSession(sess)); err != nil {
					debugLog.Printf("Session %d: Broadcast write failed: %v", sess.ID, err)
					deadMu.Lock()
					dead = append(dead, sess)
					deadMu.Unlock()
				}
			}
		}(sessions[start:end])
	}

	wg.Wait()
	return dead
}

// destination keys for shard selection
func groupDest(movie, group string) string {
	return "group:" + strings.ToLower(movie) + "/" + strings.ToLower(group)
}

func userDest(movie, user string) string {
	return "user:" + strings.ToLower(movie) + "/" + strings.ToLower(user)
}

func scopeDest(movie string, scope registry.Scope) string {
	return "attr:" + strings.ToLower(movie) + "/" + strconv.Itoa(int(scope.Kind)) + "/" + strings.ToLower(scope.Name)
}

// fanout resolves session ids and queues msg for them. exclude drops one
// session from the snapshot (0 drops nothing).
func (s *Server) fanout(sender uint64, dest, kind string, ids []uint64, exclude uint64, msgType uint8, msg protocol.ProtocolMessage) (int, error) {
	if exclude != 0 {
		kept := make([]uint64, 0, len(ids))
		for _, id := range ids {
			if id != exclude {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	recipients := s.sessions.GetSessions(ids)
	if err := s.broadcaster.Enqueue(sender, dest, kind, recipients, msgType, msg); err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// BroadcastToGroup delivers msg to the members of a group in the sender's
// movie as they are at the time of the call. @AllUsers addresses the whole
// movie.
func (s *Server) BroadcastToGroup(from *Session, group string, msgType uint8, msg protocol.ProtocolMessage, excludeSender bool) (int, error) {
	h := from.Handle()
	if h == nil {
		return 0, registry.ErrInvalidState
	}
	ids, err := s.registry.GroupSessions(h, group)
	if err != nil {
		return 0, err
	}

	kind := "group"
	if registry.IsAllUsers(group) {
		kind = "movie"
	}
	var exclude uint64
	if excludeSender {
		exclude = from.ID
	}
	return s.fanout(from.ID, groupDest(h.Movie(), group), kind, ids, exclude, msgType, msg)
}

// BroadcastToMovie delivers a server-originated msg to every user of a movie
func (s *Server) BroadcastToMovie(movie string, msgType uint8, msg protocol.ProtocolMessage) (int, error) {
	ids, err := s.registry.MovieSessions(movie)
	if err != nil {
		return 0, err
	}
	return s.fanout(0, groupDest(movie, registry.AllUsersGroup), "movie", ids, 0, msgType, msg)
}

package room

import (
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/metrics"
	"go.uber.org/zap"
)

// Socket is a persistent bidirectional message stream. ReadMessage is called from
// one goroutine and WriteMessage from another; Close must unblock both.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// SessionState is the protocol state of a session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateSyncing
	StateLive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	closeReasonClientClosed   = "client_closed"
	closeReasonDisconnect     = "disconnect"
	closeReasonSlowConsumer   = "slow_consumer"
	closeReasonWriteFailed    = "write_failed"
	closeReasonBufferOverflow = "buffer_overflow"
	closeReasonReplaced       = "replaced"
	closeReasonShutdown       = "shutdown"
	closeReasonConnectTimeout = "connect_timeout"
	closeReasonRoomFailed     = "room_unavailable"
)

type sessionConfig struct {
	id         SessionID
	userID     string
	socket     Socket
	sendBuffer int
	schema     *document.Schema
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Session is one client connection. Outbound messages go through a bounded
// queue drained by a writer goroutine; a full queue tears the session down.
type Session struct {
	id      SessionID
	userID  string
	socket  Socket
	schema  *document.Schema
	logger  *zap.Logger
	metrics *metrics.Metrics

	state      atomic.Int32
	outbound   chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
	reason     atomic.Value

	mu        sync.Mutex
	lastEpoch uint64
	scopes    document.ScopeSet
	pending   []document.ChangeEntry
}

func newSession(cfg sessionConfig) *Session {
	sendBuffer := cfg.sendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	session := &Session{
		id:         cfg.id,
		userID:     cfg.userID,
		socket:     cfg.socket,
		schema:     cfg.schema,
		logger:     logger.With(zap.String(fieldSessionID, cfg.id.String())),
		metrics:    cfg.metrics,
		outbound:   make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
		scopes:     document.AllScopes(),
	}
	go session.writeLoop()
	return session
}

// ID returns the session identifier.
func (s *Session) ID() SessionID {
	return s.id
}

// UserID returns the authenticated user, empty for anonymous sessions.
func (s *Session) UserID() string {
	return s.userID
}

// State returns the current protocol state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// LastEpoch returns the last epoch delivered or acknowledged to the client.
func (s *Session) LastEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEpoch
}

// Done is closed once the session starts closing.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason reports why the session closed.
func (s *Session) CloseReason() string {
	reason, _ := s.reason.Load().(string)
	return reason
}

func (s *Session) setScopes(scopes document.ScopeSet) {
	s.mu.Lock()
	s.scopes = scopes
	s.mu.Unlock()
}

// send encodes and queues a message without blocking.
func (s *Session) send(message ServerMessage) bool {
	payload, err := encodeServerMessage(message)
	if err != nil {
		s.logger.Error("encode server message", zap.String("type", string(message.Type)), zap.Error(err))
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- payload:
		return true
	default:
		s.close(closeReasonSlowConsumer)
		return false
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case payload := <-s.outbound:
			if err := s.socket.WriteMessage(payload); err != nil {
				s.logger.Debug("session write failed", zap.Error(err))
				s.close(closeReasonWriteFailed)
				return
			}
		case <-s.done:
			for {
				select {
				case payload := <-s.outbound:
					if err := s.socket.WriteMessage(payload); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop forwards inbound payloads. Until the session is live the inbound
// channel capacity bounds how many messages may wait.
func (s *Session) readLoop(inbound chan<- []byte) {
	defer close(inbound)
	for {
		payload, err := s.socket.ReadMessage()
		if err != nil {
			s.close(closeReasonClientClosed)
			return
		}
		select {
		case inbound <- payload:
			continue
		default:
		}
		if s.State() < StateLive {
			s.send(errorMessage(0, "too many messages before sync completed"))
			s.close(closeReasonBufferOverflow)
			return
		}
		select {
		case inbound <- payload:
		case <-s.done:
			return
		}
	}
}

// close starts teardown: the writer flushes what is queued, then the socket closes.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		s.state.Store(int32(StateClosing))
		close(s.done)
		switch reason {
		case closeReasonSlowConsumer, closeReasonWriteFailed, closeReasonBufferOverflow, closeReasonConnectTimeout:
			s.metrics.SessionDropped(reason)
			s.logger.Info("session dropped", zap.String("reason", reason))
		}
		go func() {
			<-s.writerDone
			if err := s.socket.Close(); err != nil {
				s.logger.Debug("socket close", zap.Error(err))
			}
			s.state.Store(int32(StateClosed))
			close(s.closed)
		}()
	})
}

// beginSync holds back deliveries until completeSync.
func (s *Session) beginSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() >= StateClosing {
		return
	}
	s.state.Store(int32(StateSyncing))
	s.pending = nil
}

// completeSync queues the handshake messages, replays entries newer than epoch
// that arrived during the handshake, and makes the session live.
func (s *Session) completeSync(messages []ServerMessage, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, message := range messages {
		if !s.send(message) {
			return
		}
	}
	s.lastEpoch = epoch
	if s.State() != StateSyncing {
		return
	}
	s.state.Store(int32(StateLive))
	pending := s.pending
	s.pending = nil
	for _, entry := range pending {
		s.deliverLocked(entry)
	}
}

// deliver routes a committed change entry to the client.
func (s *Session) deliver(entry document.ChangeEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StateSyncing:
		if len(s.pending) >= cap(s.outbound) {
			s.close(closeReasonSlowConsumer)
			return
		}
		s.pending = append(s.pending, entry)
	case StateLive:
		s.deliverLocked(entry)
	}
}

func (s *Session) deliverLocked(entry document.ChangeEntry) {
	if entry.Epoch <= s.lastEpoch {
		return
	}
	s.lastEpoch = entry.Epoch
	if entry.Origin.SessionID == s.id.String() {
		return
	}
	diff := entry.Diff.FilterScopes(s.schema, s.scopes)
	if diff.IsEmpty() {
		return
	}
	if s.send(diffMessage(entry.Epoch, diff)) {
		s.metrics.Broadcast()
	}
}

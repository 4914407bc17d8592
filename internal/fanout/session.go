package fanout

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"momentumd/internal/model"
)

// sendQueueSize bounds the per-client outbound buffer; beyond this, U
// messages are dropped rather than queued (see EnqueueTicker), and a
// pending ranking message is simply overwritten (spec.md §4.7 "Fairness
// and backpressure").
const sendQueueSize = 256

// Session is one connected client's state and outbound channel. It is
// owned by its own writePump goroutine; other goroutines interact with it
// only through its exported methods.
//
// Grounded on RohanRaikwar's gateway.Client (send chan []byte, readPump /
// writePump split) generalized to carry the typed session fields spec.md
// §3's GLOSSARY names explicitly: clientTimeframe, visibleSymbols,
// lastRequestId, ipTag.
type Session struct {
	ID     string
	IPTag  string
	conn   *websocket.Conn
	logger *zap.Logger

	mu             sync.RWMutex
	tf             model.Timeframe
	visibleSymbols map[model.SymbolKey]struct{}
	lastRequestID  int64

	send         chan []byte
	pendingRank  chan []byte // depth-1: replace-last-pending semantics
	closeOnce    sync.Once
	closed       chan struct{}
	violations   int32     // consecutive inbound-rate violations (spec.md §9 ingress limit)
	lastInbound  time.Time // last accepted inbound message, for the 1/sec steady gate
}

// inboundSteadyInterval is the minimum spacing between accepted inbound
// websocket messages (spec.md §9: "WebSocket inbound capped at 1/sec").
const inboundSteadyInterval = time.Second

// AllowInbound enforces the 1/sec steady inbound rate. A message arriving
// sooner counts as a violation and is not accepted.
func (s *Session) AllowInbound(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastInbound.IsZero() && now.Sub(s.lastInbound) < inboundSteadyInterval {
		return false
	}
	s.lastInbound = now
	return true
}

// NewSession wraps conn with default timeframe TF1 (spec.md §3 GLOSSARY:
// "default 1-min").
func NewSession(id, ipTag string, conn *websocket.Conn, logger *zap.Logger) *Session {
	s := &Session{
		ID:             id,
		IPTag:          ipTag,
		conn:           conn,
		logger:         logger.Named("session").With(zap.String("client", id)),
		tf:             model.TF1,
		visibleSymbols: make(map[model.SymbolKey]struct{}),
		send:           make(chan []byte, sendQueueSize),
		pendingRank:    make(chan []byte, 1),
		closed:         make(chan struct{}),
	}
	return s
}

func (s *Session) Timeframe() model.Timeframe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tf
}

func (s *Session) SetTimeframe(tf model.Timeframe, requestID int64) {
	s.mu.Lock()
	s.tf = tf
	s.lastRequestID = requestID
	s.mu.Unlock()
}

func (s *Session) LastRequestID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRequestID
}

// SetVisible replaces the client's visibility set (spec.md §4.7
// "subscribe" message: "replace the client's visibility set; no response").
func (s *Session) SetVisible(keys []model.SymbolKey) {
	next := make(map[model.SymbolKey]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
	}
	s.mu.Lock()
	s.visibleSymbols = next
	s.mu.Unlock()
}

func (s *Session) IsVisible(key model.SymbolKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.visibleSymbols[key]
	return ok
}

// EnqueueTicker best-effort sends a "U" frame; if the send buffer is full
// the frame is dropped rather than blocking (spec.md §4.7 backpressure).
func (s *Session) EnqueueTicker(frame []byte) {
	select {
	case s.send <- frame:
	default:
		s.logger.Debug("dropping ticker update, send buffer full")
	}
}

// EnqueueRanking replaces any not-yet-sent pending ranking frame with this
// one — spec.md §4.7: "ranking messages should prefer to replace the last
// pending ranking for that client rather than queue multiple."
func (s *Session) EnqueueRanking(frame []byte) {
	select {
	case s.pendingRank <- frame:
		return
	default:
	}
	select {
	case <-s.pendingRank:
	default:
	}
	select {
	case s.pendingRank <- frame:
	default:
	}
}

// WritePump drains both the ticker and ranking channels and writes frames
// to the underlying connection until Close is called. Runs on its own
// goroutine, one per session, matching the teacher's writePump convention.
func (s *Session) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.pendingRank:
			if err := s.write(frame); err != nil {
				s.Close()
				return
			}
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *Session) write(frame []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// RecordInboundViolation increments the consecutive-violation counter for
// the ingress rate limit (spec.md §9: "three consecutive violations
// terminate the connection") and reports whether the connection should now
// be closed.
func (s *Session) RecordInboundViolation() (terminate bool) {
	s.mu.Lock()
	s.violations++
	v := s.violations
	s.mu.Unlock()
	return v >= 3
}

// ResetInboundViolations clears the counter after a message passes the
// inbound rate gate.
func (s *Session) ResetInboundViolations() {
	s.mu.Lock()
	s.violations = 0
	s.mu.Unlock()
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *Session) Done() <-chan struct{} { return s.closed }

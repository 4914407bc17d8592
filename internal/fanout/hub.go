package fanout

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"momentumd/internal/model"
	"momentumd/internal/momentum"
)

// DefaultPerIPLimit and DefaultGlobalLimit are the connection caps from
// spec.md §4.7.
const (
	DefaultPerIPLimit  = 10
	DefaultGlobalLimit = 10_000
)

// RankingThrottle is the minimum spacing between ranking broadcasts for
// the same timeframe triggered by cache changes (spec.md §4.7: "≥ 500ms").
const RankingThrottle = 500 * time.Millisecond

// RankingPeriod is the periodic full-ranking re-broadcast interval
// (spec.md §4.7: "periodically every ≈ 5s").
const RankingPeriod = 5 * time.Second

// TickerThrottle bounds how often a (exchange, symbol) ticker update may be
// re-sent across all clients (spec.md §4.7: "at most one U per (exchange,
// symbol) every ≈ 100ms").
const TickerThrottle = 100 * time.Millisecond

// EnsureTimeframeFunc triggers a JIT backfill for tf (backfill.Orchestrator.EnsureTimeframe),
// called synchronously from setTimeframe handling before the immediate
// ranking response is sent (spec.md §4.7).
type EnsureTimeframeFunc func(tf model.Timeframe)

// Hub owns every connected Session, the tf -> sessions subscription index,
// and the two broadcast loops. Grounded on RohanRaikwar's gateway.Hub
// (map[*Client]bool guarded by RWMutex, per-channel broadcast) generalized
// from a Redis pub/sub fan-out to a direct in-process momentum-cache fan-out,
// and on pkg/broadcaster/broadcaster.go's register/unregister channel
// pattern.
type Hub struct {
	logger *zap.Logger
	cache  *momentum.Cache
	ensure EnsureTimeframeFunc

	mu           sync.RWMutex
	sessions     map[*Session]struct{}
	byTF         map[model.Timeframe]map[*Session]struct{}
	byIP         map[string]int
	globalLimit  int
	perIPLimit   int

	tickerMu   sync.Mutex
	lastTicker map[model.SymbolKey]time.Time

	rankMu   sync.Mutex
	lastRank map[model.Timeframe]time.Time
}

// NewHub creates a Hub. cache supplies the per-tf momentum snapshots used
// to build ranking/ticker payloads.
func NewHub(cache *momentum.Cache, ensure EnsureTimeframeFunc, logger *zap.Logger) *Hub {
	h := &Hub{
		logger:      logger.Named("fanout"),
		cache:       cache,
		ensure:      ensure,
		sessions:    make(map[*Session]struct{}),
		byTF:        make(map[model.Timeframe]map[*Session]struct{}),
		byIP:        make(map[string]int),
		globalLimit: DefaultGlobalLimit,
		perIPLimit:  DefaultPerIPLimit,
		lastTicker:  make(map[model.SymbolKey]time.Time),
		lastRank:    make(map[model.Timeframe]time.Time),
	}
	for _, tf := range model.AllTimeframes {
		h.byTF[tf] = make(map[*Session]struct{})
	}
	return h
}

// TryAdmit checks the per-IP and global connection caps before a new
// session is accepted. Returns false if either cap is exceeded — the
// caller must close the connection with a "try again later" status
// (spec.md §4.7) and count the refusal for observability.
func (h *Hub) TryAdmit(ipTag string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	admitted := 0
	for _, n := range h.byIP {
		admitted += n
	}
	if admitted >= h.globalLimit {
		return false
	}
	if h.byIP[ipTag] >= h.perIPLimit {
		return false
	}
	h.byIP[ipTag]++
	return true
}

// Register adds a fully-constructed session (after TryAdmit has approved
// its IP) to the default timeframe bucket.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.byTF[s.Timeframe()][s] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a session and releases its IP slot.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	for _, set := range h.byTF {
		delete(set, s)
	}
	if h.byIP[s.IPTag] > 0 {
		h.byIP[s.IPTag]--
		if h.byIP[s.IPTag] == 0 {
			delete(h.byIP, s.IPTag)
		}
	}
	h.mu.Unlock()
	s.Close()
}

// SetTimeframe implements the inbound "setTimeframe" handler: moves s
// between subscription buckets, triggers a JIT backfill, and sends an
// immediate ranking response tagged with requestID (spec.md §4.7).
func (h *Hub) SetTimeframe(s *Session, tf model.Timeframe, requestID int64) {
	if !tf.IsAllowed() {
		return
	}

	h.mu.Lock()
	old := s.Timeframe()
	delete(h.byTF[old], s)
	h.byTF[tf][s] = struct{}{}
	h.mu.Unlock()

	s.SetTimeframe(tf, requestID)

	if h.ensure != nil {
		h.ensure(tf)
	}

	rid := requestID
	frame, err := h.buildRanking(tf, &rid)
	if err == nil {
		s.EnqueueRanking(frame)
	}
}

// Subscribe implements the inbound "subscribe" handler.
func (h *Hub) Subscribe(s *Session, keys []model.SymbolKey) {
	s.SetVisible(keys)
}

func (h *Hub) buildRanking(tf model.Timeframe, requestID *int64) ([]byte, error) {
	snap := h.cache.Snapshot(tf)
	entries := make([]RankingEntry, 0, len(snap))
	for key, m := range snap {
		up, down := momentumRef(m)
		entries = append(entries, RankingEntry{Key: key.String(), Up: up, Down: down})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ui, uj := entries[i].Up, entries[j].Up
		switch {
		case ui == nil && uj == nil:
			return entries[i].Key < entries[j].Key
		case ui == nil:
			return false
		case uj == nil:
			return true
		default:
			return *ui > *uj
		}
	})

	msg := RankingMessage{Type: "R", TF: int(tf), RequestID: requestID, Rankings: entries}
	return msg.Marshal()
}

// BroadcastRanking sends a fresh ranking frame to every session subscribed
// to tf, subject to RankingThrottle. force bypasses the throttle — used by
// the periodic re-broadcast loop and after each backfill chunk; per-symbol
// recomputes pass force=false and are throttled here.
func (h *Hub) BroadcastRanking(tf model.Timeframe, force bool) {
	h.rankMu.Lock()
	last, ok := h.lastRank[tf]
	if !force && ok && time.Since(last) < RankingThrottle {
		h.rankMu.Unlock()
		return
	}
	h.lastRank[tf] = time.Now()
	h.rankMu.Unlock()

	frame, err := h.buildRanking(tf, nil)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.byTF[tf]))
	for s := range h.byTF[tf] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.EnqueueRanking(frame)
	}
}

// PushTicker builds and fans out one "U" frame for key, rate-limited to at
// most one send per TickerThrottle (spec.md §4.7), to every session
// subscribed to tf whose visibility set contains key.
func (h *Hub) PushTicker(tf model.Timeframe, key model.SymbolKey, price, change24h float64) {
	h.tickerMu.Lock()
	last, ok := h.lastTicker[key]
	if ok && time.Since(last) < TickerThrottle {
		h.tickerMu.Unlock()
		return
	}
	h.lastTicker[key] = time.Now()
	h.tickerMu.Unlock()

	m := h.cache.Get(tf, key)
	up, down := momentumRef(m)
	frame, err := TickerUpdate{Type: "U", Key: key.String(), Price: price, Change24h: change24h, Up: up, Down: down}.Marshal()
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.byTF[tf]))
	for s := range h.byTF[tf] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if s.IsVisible(key) {
			s.EnqueueTicker(frame)
		}
	}
}

// RunPeriodicRanking broadcasts a full ranking for every active timeframe
// that has at least one subscriber, every RankingPeriod, until stop is
// closed.
func (h *Hub) RunPeriodicRanking(stop <-chan struct{}) {
	ticker := time.NewTicker(RankingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, tf := range model.ActiveTimeframes {
				h.mu.RLock()
				n := len(h.byTF[tf])
				h.mu.RUnlock()
				if n > 0 {
					h.BroadcastRanking(tf, true)
				}
			}
		}
	}
}

// SessionCount reports the number of currently registered sessions, used
// by the admin status endpoint.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// inboundEnvelope peeks at the "type" discriminator of a raw inbound frame
// before decoding the rest, matching RohanRaikwar's gateway two-pass
// decode convention.
type inboundEnvelope struct {
	Type string `json:"type"`
}

// ReadPump is the session's inbound loop: decode, rate-gate, and dispatch
// "setTimeframe"/"subscribe" messages until the connection errors out or
// three consecutive rate-limit violations close it (spec.md §9 and §4.7).
// Grounded on pkg/broadcaster/broadcaster.go's per-client read loop.
func (h *Hub) ReadPump(s *Session) {
	defer h.Unregister(s)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		if !s.AllowInbound(time.Now()) {
			if s.RecordInboundViolation() {
				h.logger.Info("closing session after repeated inbound rate violations", zap.String("client", s.ID))
				return
			}
			continue
		}
		s.ResetInboundViolations()

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Type {
		case "setTimeframe":
			var msg InboundSetTimeframe
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			h.SetTimeframe(s, model.Timeframe(msg.TF), msg.RequestID)
		case "subscribe":
			var msg InboundSubscribe
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			keys := make([]model.SymbolKey, 0, len(msg.VisibleKeys))
			for _, raw := range msg.VisibleKeys {
				if key, ok := model.ParseSymbolKey(raw); ok {
					keys = append(keys, key)
				}
			}
			h.Subscribe(s, keys)
		}
	}
}

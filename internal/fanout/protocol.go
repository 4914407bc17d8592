// Package fanout owns per-client websocket session state, the timeframe
// subscription index, and the two outbound message streams defined by
// spec.md §4.7: ranking ("R") and ticker update ("U") broadcasts, plus the
// inbound setTimeframe/subscribe protocol.
//
// Grounded on pkg/broadcaster/broadcaster.go (teacher: register/unregister
// channels, best-effort buffered send, batching) and
// RohanRaikwar-algo-sys-v1's internal/gateway/{hub,client,subscribe}.go
// (per-client send channel + subscription filter + writePump/readPump
// split, and the "replace the client's send buffer rather than block"
// backpressure policy).
package fanout

import (
	"encoding/json"

	"momentumd/internal/model"
)

// RankingEntry is one row of a ranking broadcast: an (exchange:symbol) key
// with its up% for the ranked timeframe, used to sort descending by Up.
type RankingEntry struct {
	Key string  `json:"key"`
	Up  *uint8  `json:"up"`
	Down *uint8 `json:"down"`
}

// RankingMessage is the wire shape of a type "R" broadcast (spec.md §4.7).
type RankingMessage struct {
	Type      string         `json:"type"`
	TF        int            `json:"tf"`
	RequestID *int64         `json:"requestId,omitempty"`
	Rankings  []RankingEntry `json:"rankings"`
}

func (m RankingMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

// TickerUpdate is one row of a type "U" broadcast (spec.md §4.7).
type TickerUpdate struct {
	Type      string  `json:"type"`
	Key       string  `json:"key"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Up        *uint8  `json:"up"`
	Down      *uint8  `json:"down"`
}

func (m TickerUpdate) Marshal() ([]byte, error) { return json.Marshal(m) }

// InboundSetTimeframe is the client->server "setTimeframe" message.
type InboundSetTimeframe struct {
	Type      string `json:"type"`
	TF        int    `json:"tf"`
	RequestID int64  `json:"requestId"`
}

// InboundSubscribe is the client->server "subscribe" message.
type InboundSubscribe struct {
	Type           string   `json:"type"`
	VisibleSymbols []string `json:"visibleSymbols"`
	VisibleKeys    []string `json:"visibleKeys"`
}

// momentumRef returns pointers suitable for RankingEntry/TickerUpdate's
// Up/Down fields: nil for non-numeric momentum (NotAttempted and
// Insufficient alike), a value otherwise.
func momentumRef(m model.Momentum) (*uint8, *uint8) {
	if !m.IsNumber() {
		return nil, nil
	}
	up, down := m.Up, m.Down
	return &up, &down
}

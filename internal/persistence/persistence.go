// Package persistence implements the slow parallel path from spec.md §4.9:
// periodic JSON snapshots of the candle store and momentum cache, and their
// restore on boot. Writes are atomic (serialize to a temp file, rename over
// the final path); loads are tolerant of missing or corrupt files.
//
// Grounded on internal/analytics/periodic_snapshot_generator.go's
// PeriodicSnapshotGenerator (teacher: timer-driven dump of in-memory state,
// keyed by exchange/symbol), generalized from "publish a JSON blob to Redis
// with a TTL" to "atomically rewrite a local JSON file", per spec.md's
// Redesign Flag on JSON snapshots ("use a read-copy-update or atomic-swap
// pattern... avoid partial-write corruption").
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"momentumd/internal/candlestore"
	"momentumd/internal/model"
	"momentumd/internal/momentum"
)

// SnapshotInterval is the periodic write cadence (spec.md §4.9: "10-minute
// timer").
const SnapshotInterval = 10 * time.Minute

type candleJSON struct {
	TimestampMs int64   `json:"timestampMs"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

type seriesJSON struct {
	Candles    []candleJSON `json:"candles"`
	UpdatedAt  int64        `json:"updatedAt"`
	Backfilled bool         `json:"backfilled"`
}

// exchangeFile is the shape of multi_tf_{exchange}.json: symbol -> tf ->
// series (spec.md §6's "Persisted state layout").
type exchangeFile map[string]map[string]seriesJSON

type momentumEntryJSON struct {
	Up   uint8 `json:"up"`
	Down uint8 `json:"down"`
}

// momentumFile is the shape of momentum_cache.json.
type momentumFile struct {
	Upbit   map[string]map[string]momentumEntryJSON `json:"upbit"`
	Bithumb map[string]map[string]momentumEntryJSON `json:"bithumb"`
	Global  map[string]map[string]momentumEntryJSON `json:"global"`
	SavedAt int64                                   `json:"savedAt"`
}

// Manager owns the disk location and the store/cache it snapshots.
type Manager struct {
	dataDir string
	store   *candlestore.Store
	cache   *momentum.Cache
	logger  *zap.Logger
}

// New creates a persistence manager rooted at dataDir (spec.md §6:
// "DATA_DIR (persistence root)").
func New(dataDir string, store *candlestore.Store, cache *momentum.Cache, logger *zap.Logger) *Manager {
	return &Manager{dataDir: dataDir, store: store, cache: cache, logger: logger.Named("persistence")}
}

// Run writes a snapshot every SnapshotInterval until done is closed, then
// writes one final snapshot on exit — covering both trigger points spec.md
// §4.9 names ("10-minute timer and on graceful shutdown").
func (m *Manager) Run(done <-chan struct{}) {
	ticker := time.NewTicker(SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if err := m.SaveAll(); err != nil {
				m.logger.Error("final snapshot failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := m.SaveAll(); err != nil {
				m.logger.Error("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

// SaveAll writes one multi_tf_{exchange}.json per venue plus momentum_cache.json.
func (m *Manager) SaveAll() error {
	if err := m.saveCandles(); err != nil {
		return err
	}
	return m.saveMomentum()
}

func (m *Manager) saveCandles() error {
	byExchange := make(map[model.ExchangeKind]exchangeFile)

	for _, key := range m.store.AllSeriesKeys() {
		view := m.store.Get(key.Exchange, key.Symbol, key.TF)
		ef, ok := byExchange[key.Exchange]
		if !ok {
			ef = make(exchangeFile)
			byExchange[key.Exchange] = ef
		}
		bySymbol, ok := ef[key.Symbol]
		if !ok {
			bySymbol = make(map[string]seriesJSON)
			ef[key.Symbol] = bySymbol
		}
		candles := make([]candleJSON, len(view.Candles))
		for i, c := range view.Candles {
			candles[i] = candleJSON{TimestampMs: c.TimestampMs, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
		}
		bySymbol[tfLabel(key.TF)] = seriesJSON{Candles: candles, UpdatedAt: view.UpdatedAt, Backfilled: view.Backfilled}
	}

	for ex, ef := range byExchange {
		path := filepath.Join(m.dataDir, fmt.Sprintf("multi_tf_%s.json", ex))
		if err := writeAtomicJSON(path, ef); err != nil {
			return fmt.Errorf("persistence: write %s: %w", path, err)
		}
	}
	return nil
}

func (m *Manager) saveMomentum() error {
	file := momentumFile{
		Upbit:   make(map[string]map[string]momentumEntryJSON),
		Bithumb: make(map[string]map[string]momentumEntryJSON),
		Global:  make(map[string]map[string]momentumEntryJSON),
		SavedAt: time.Now().UnixMilli(),
	}

	for _, tf := range model.AllTimeframes {
		label := tfLabel(tf)
		snap := m.cache.Snapshot(tf)
		for key, val := range snap {
			if !val.IsNumber() {
				continue
			}
			entry := momentumEntryJSON{Up: val.Up, Down: val.Down}
			switch key.Exchange {
			case model.UpbitSpot:
				ensure(file.Upbit, label)[key.Symbol] = entry
			case model.BithumbSpot:
				ensure(file.Bithumb, label)[key.Symbol] = entry
			default:
				ensure(file.Global, label)[key.String()] = entry
			}
		}
	}

	path := filepath.Join(m.dataDir, "momentum_cache.json")
	if err := writeAtomicJSON(path, file); err != nil {
		return fmt.Errorf("persistence: write %s: %w", path, err)
	}
	return nil
}

func ensure(m map[string]map[string]momentumEntryJSON, label string) map[string]momentumEntryJSON {
	if _, ok := m[label]; !ok {
		m[label] = make(map[string]momentumEntryJSON)
	}
	return m[label]
}

// LoadAll restores the candle store and momentum cache from disk. Missing or
// corrupt files are logged and skipped rather than treated as fatal
// (spec.md §4.9: "Loads are tolerant to missing or corrupt files").
func (m *Manager) LoadAll() {
	now := time.Now().UnixMilli()
	for _, ex := range model.AllExchangeKinds {
		path := filepath.Join(m.dataDir, fmt.Sprintf("multi_tf_%s.json", ex))
		var ef exchangeFile
		if err := readJSON(path, &ef); err != nil {
			if !os.IsNotExist(err) {
				m.logger.Warn("skipping corrupt candle snapshot", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		for symbol, byTF := range ef {
			for label, sj := range byTF {
				tf, ok := parseTFLabel(label)
				if !ok {
					continue
				}
				candles := make([]model.Candle, len(sj.Candles))
				for i, c := range sj.Candles {
					candles[i] = model.Candle{TimestampMs: c.TimestampMs, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
				}
				m.store.Put(ex, symbol, tf, candles, now)
				if sj.Backfilled || len(candles) >= candlestore.MinCandlesForMomentum {
					m.store.MarkBackfilled(ex, symbol, tf)
				}
			}
		}
	}

	path := filepath.Join(m.dataDir, "momentum_cache.json")
	var mf momentumFile
	if err := readJSON(path, &mf); err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("skipping corrupt momentum snapshot", zap.String("path", path), zap.Error(err))
		}
		return
	}
	m.restoreGroup(mf.Upbit, model.UpbitSpot, false)
	m.restoreGroup(mf.Bithumb, model.BithumbSpot, false)
	m.restoreGroup(mf.Global, "", true)
}

// restoreGroup restores one momentum_cache.json group. keyedByWireKey means
// the inner map is keyed by "EX:SYM" rather than bare symbol (the "global"
// group, spec.md §6).
func (m *Manager) restoreGroup(byTF map[string]map[string]momentumEntryJSON, fixedExchange model.ExchangeKind, keyedByWireKey bool) {
	for label, entries := range byTF {
		tf, ok := parseTFLabel(label)
		if !ok {
			continue
		}
		for k, entry := range entries {
			var key model.SymbolKey
			if keyedByWireKey {
				ex, sym, ok := splitWireKey(k)
				if !ok {
					continue
				}
				key = model.SymbolKey{Exchange: ex, Symbol: sym}
			} else {
				key = model.SymbolKey{Exchange: fixedExchange, Symbol: k}
			}
			m.cache.Set(tf, key, model.Momentum{State: model.Computed, Up: entry.Up, Down: entry.Down})
		}
	}
}

func splitWireKey(k string) (model.ExchangeKind, string, bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return model.ExchangeKind(k[:i]), k[i+1:], true
		}
	}
	return "", "", false
}

func tfLabel(tf model.Timeframe) string { return fmt.Sprintf("%d", int(tf)) }

func parseTFLabel(label string) (model.Timeframe, bool) {
	var n int
	if _, err := fmt.Sscanf(label, "%d", &n); err != nil {
		return 0, false
	}
	tf := model.Timeframe(n)
	return tf, tf.IsAllowed()
}

// writeAtomicJSON serializes v to a temp file in the same directory as path
// and renames it over path — spec.md's redesign-flagged atomic-swap pattern.
func writeAtomicJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Package archive implements the append-only CSV candle log from spec.md
// §4.9: one file per (exchange, symbol, timeframe), FIFO-trimmed to
// ARCHIVE_MAX_CANDLES, flushed on a 1-minute timer, distinct from the JSON
// snapshot in internal/persistence.
//
// Grounded on internal/analytics/periodic_snapshot_generator.go's
// timer-driven flush loop (teacher), generalized from "publish the latest
// state to Redis" to "append new rows to a local CSV file, trimmed to a
// bounded window" — following the same emit-on-bar-close policy spec.md's
// Redesign Flags section settles on (over the source's "does both
// bar-close and periodic scan").
package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"momentumd/internal/model"
)

// MaxCandles is ARCHIVE_MAX_CANDLES (spec.md §4.9 default).
const MaxCandles = 500

// FlushInterval is the periodic flush cadence (spec.md §4.9: "1-minute
// timer").
const FlushInterval = time.Minute

const header = "timestamp,datetime,open,high,low,close,volume"

type fileKey struct {
	Exchange model.ExchangeKind
	Symbol   string
	TF       model.Timeframe
}

// Archive buffers completed candles per (exchange, symbol, tf) in memory
// and flushes them to disk on FlushInterval. Writes are append-only by
// policy — existing rows are never rewritten, only new ones appended and
// the oldest trimmed once the file exceeds MaxCandles.
type Archive struct {
	dataDir string
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[fileKey][]model.Candle // newest-last, matches CSV row order
	seen    map[fileKey]map[int64]struct{}
}

// New creates an archive writer rooted at dataDir/archive/{tf}/.
func New(dataDir string, logger *zap.Logger) *Archive {
	return &Archive{
		dataDir: dataDir,
		logger:  logger.Named("archive"),
		pending: make(map[fileKey][]model.Candle),
		seen:    make(map[fileKey]map[int64]struct{}),
	}
}

// OnBarClose records one completed candle for later flush — called from
// the aggregator's bar-close callback and from the higher-timeframe
// synthesis path (spec.md §4.4: "used both by the archive writer and by
// adapters that lack native bars").
func (a *Archive) OnBarClose(ex model.ExchangeKind, symbol string, tf model.Timeframe, c model.Candle) {
	key := fileKey{ex, symbol, tf}

	a.mu.Lock()
	defer a.mu.Unlock()

	dedup, ok := a.seen[key]
	if !ok {
		dedup = make(map[int64]struct{})
		a.seen[key] = dedup
	}
	if _, dup := dedup[c.TimestampMs]; dup {
		return
	}
	dedup[c.TimestampMs] = struct{}{}
	a.pending[key] = append(a.pending[key], c)
}

// Run flushes on FlushInterval until done is closed, then flushes once more.
func (a *Archive) Run(done <-chan struct{}) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			a.Flush()
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Flush appends every pending candle to its file, in ascending timestamp
// order, and trims the file to the newest MaxCandles rows.
func (a *Archive) Flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = make(map[fileKey][]model.Candle)
	a.mu.Unlock()

	for key, candles := range batch {
		if len(candles) == 0 {
			continue
		}
		sortAscending(candles)
		if err := a.appendAndTrim(key, candles); err != nil {
			a.logger.Error("archive flush failed", zap.String("exchange", string(key.Exchange)),
				zap.String("symbol", key.Symbol), zap.Int("tf", int(key.TF)), zap.Error(err))
		}
	}
}

func (a *Archive) path(key fileKey) string {
	return filepath.Join(a.dataDir, "archive", fmt.Sprintf("%d", int(key.TF)),
		fmt.Sprintf("%s_%s.csv", key.Exchange, key.Symbol))
}

func (a *Archive) appendAndTrim(key fileKey, newRows []model.Candle) error {
	path := a.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	existing, err := readRows(path)
	if err != nil {
		return err
	}

	merged := append(existing, newRows...)
	if len(merged) > MaxCandles {
		merged = merged[len(merged)-MaxCandles:]
	}
	return writeRows(path, merged)
}

func readRows(path string) ([]model.Candle, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []model.Candle
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue // header
		}
		c, ok := parseRow(line)
		if !ok {
			continue // tolerate a corrupt row rather than fail the whole file
		}
		rows = append(rows, c)
	}
	return rows, scanner.Err()
}

func writeRows(path string, rows []model.Candle) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, header)
	for _, c := range rows {
		fmt.Fprintln(w, formatRow(c))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func formatRow(c model.Candle) string {
	dt := time.UnixMilli(c.TimestampMs).UTC().Format("2006-01-02T15:04:05Z")
	return fmt.Sprintf("%d,%s,%g,%g,%g,%g,%g", c.TimestampMs, dt, c.Open, c.High, c.Low, c.Close, c.Volume)
}

func parseRow(line string) (model.Candle, bool) {
	var c model.Candle
	fields := splitCSV(line)
	if len(fields) != 7 {
		return c, false
	}
	var ts int64
	var o, h, l, cl, v float64
	if _, err := fmt.Sscanf(fields[0], "%d", &ts); err != nil {
		return c, false
	}
	if _, err := fmt.Sscanf(fields[2], "%g", &o); err != nil {
		return c, false
	}
	if _, err := fmt.Sscanf(fields[3], "%g", &h); err != nil {
		return c, false
	}
	if _, err := fmt.Sscanf(fields[4], "%g", &l); err != nil {
		return c, false
	}
	if _, err := fmt.Sscanf(fields[5], "%g", &cl); err != nil {
		return c, false
	}
	if _, err := fmt.Sscanf(fields[6], "%g", &v); err != nil {
		return c, false
	}
	return model.Candle{TimestampMs: ts, Open: o, High: h, Low: l, Close: cl, Volume: v}, true
}

func splitCSV(line string) []string {
	var out []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ',' {
			out = append(out, line[start:i])
			start = i + 1
		}
	}
	out = append(out, line[start:])
	return out
}

func sortAscending(cs []model.Candle) {
	for i := 1; i < len(cs); i++ {
		j := i
		for j > 0 && cs[j-1].TimestampMs > cs[j].TimestampMs {
			cs[j-1], cs[j] = cs[j], cs[j-1]
			j--
		}
	}
}

package model

// Candle is one completed or in-progress OHLCV bar. TimestampMs is the bar
// start time in milliseconds UTC, aligned to the bar's timeframe boundary.
type Candle struct {
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// Valid checks the invariants from spec.md §3: low <= open,close <= high,
// low <= high, and (for tf > 1) timestamp alignment to the bar duration.
func (c Candle) Valid(tf Timeframe) bool {
	if c.Low > c.High {
		return false
	}
	if c.Open < c.Low || c.Open > c.High {
		return false
	}
	if c.Close < c.Low || c.Close > c.High {
		return false
	}
	if tf > 1 && c.TimestampMs%tf.Millis() != 0 {
		return false
	}
	return true
}

// MergeHigherTF folds a slice of same-exchange, same-symbol, ascending-time
// finer candles into the higher-timeframe aggregation rule from spec.md §4.4:
// open = oldest.open, close = newest.close, high = max, low = min,
// volume = sum. cs must be non-empty and sorted ascending by TimestampMs.
func MergeHigherTF(cs []Candle, bucketStartMs int64) Candle {
	out := Candle{
		TimestampMs: bucketStartMs,
		Open:        cs[0].Open,
		High:        cs[0].High,
		Low:         cs[0].Low,
		Close:       cs[len(cs)-1].Close,
	}
	for _, c := range cs {
		if c.High > out.High {
			out.High = c.High
		}
		if c.Low < out.Low {
			out.Low = c.Low
		}
		out.Volume += c.Volume
	}
	return out
}

// BucketStart floors a millisecond timestamp to the start of its tf bucket.
func BucketStart(tsMs int64, tf Timeframe) int64 {
	ms := tf.Millis()
	return (tsMs / ms) * ms
}

package bybit

import (
	"sync"
)

// maxKlinesPerStream caps the candle history kept per symbol:interval.
const maxKlinesPerStream = 500

// KlineCache stores streamed candles keyed by "symbol:interval" with ordered
// dedup: a candle with the tail's timestamp replaces the tail, a newer one
// appends (evicting the oldest at capacity), an older one is dropped.
type KlineCache struct {
	mu     sync.RWMutex
	series map[string][]Kline
}

// NewKlineCache creates an empty cache.
func NewKlineCache() *KlineCache {
	return &KlineCache{
		series: make(map[string][]Kline),
	}
}

func cacheKey(symbol, interval string) string {
	return symbol + ":" + interval
}

// Update applies a streamed candle to the cache.
func (c *KlineCache) Update(symbol, interval string, kline Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(symbol, interval)
	klines := c.series[key]

	if len(klines) > 0 {
		last := klines[len(klines)-1]
		switch {
		case kline.StartTime == last.StartTime:
			klines[len(klines)-1] = kline
		case kline.StartTime > last.StartTime:
			klines = append(klines, kline)
			if len(klines) > maxKlinesPerStream {
				klines = klines[1:]
			}
		default:
			// Out-of-order candle, drop it
			return
		}
	} else {
		klines = append(klines, kline)
	}

	c.series[key] = klines
}

// Seed replaces the series with chronologically ordered history, trimming to
// capacity. Used to prime the cache from REST before streaming starts.
func (c *KlineCache) Seed(symbol, interval string, klines []Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(klines) > maxKlinesPerStream {
		klines = klines[len(klines)-maxKlinesPerStream:]
	}
	seeded := make([]Kline, len(klines))
	copy(seeded, klines)
	c.series[cacheKey(symbol, interval)] = seeded
}

// Chronological returns up to limit candles oldest-first.
func (c *KlineCache) Chronological(symbol, interval string, limit int) []Kline {
	c.mu.RLock()
	defer c.mu.RUnlock()

	klines := c.series[cacheKey(symbol, interval)]
	if len(klines) == 0 {
		return nil
	}
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}

	out := make([]Kline, len(klines))
	copy(out, klines)
	return out
}

// ReverseChronological returns up to limit candles newest-first, matching the
// REST kline wire order.
func (c *KlineCache) ReverseChronological(symbol, interval string, limit int) []Kline {
	chrono := c.Chronological(symbol, interval, limit)
	out := make([]Kline, len(chrono))
	for i, k := range chrono {
		out[len(chrono)-1-i] = k
	}
	return out
}

// Has reports whether any candles are cached for the stream.
func (c *KlineCache) Has(symbol, interval string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series[cacheKey(symbol, interval)]) > 0
}

// Len returns the number of cached candles for the stream.
func (c *KlineCache) Len(symbol, interval string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series[cacheKey(symbol, interval)])
}

package providers

import (
	"encoding/binary"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/joshband/copy-that/internal/types"
)

// ContentHash hashes the encoded bytes when present, otherwise every pixel.
// Two images with identical content share cache entries.
func ContentHash(img *types.Image) uint64 {
	if len(img.Data) > 0 {
		return xxhash.Sum64(img.Data)
	}

	d := xxhash.New()
	b := img.Pixels.Bounds()
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(b.Dx()))
	binary.LittleEndian.PutUint32(buf[4:], uint32(b.Dy()))
	_, _ = d.Write(buf[:])
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.Pixels.At(x, y).RGBA()
			binary.LittleEndian.PutUint16(buf[0:], uint16(r))
			binary.LittleEndian.PutUint16(buf[2:], uint16(g))
			binary.LittleEndian.PutUint16(buf[4:], uint16(bl))
			binary.LittleEndian.PutUint16(buf[6:], uint16(a))
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}

// CacheStats is a point-in-time view of a provider cache
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Len       int   `json:"len"`
	Capacity  int   `json:"capacity"`
}

// resultCache is a fixed-capacity LRU of estimates keyed by content hash.
// Concurrent misses on one key are collapsed into a single computation.
type resultCache struct {
	kind     Kind
	capacity int
	entries  *lru.Cache[uint64, Result]
	flight   singleflight.Group
	metrics  *Metrics

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func newResultCache(kind Kind, capacity int, metrics *Metrics) (*resultCache, error) {
	if capacity <= 0 {
		capacity = 1
	}
	c := &resultCache{kind: kind, capacity: capacity, metrics: metrics}
	entries, err := lru.NewWithEvict[uint64, Result](capacity, func(uint64, Result) {
		c.evictions.Add(1)
		c.metrics.cacheEvictions.WithLabelValues(string(kind)).Inc()
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// get returns a cached result and refreshes its recency
func (c *resultCache) get(key uint64) (Result, bool) {
	r, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
		c.metrics.cacheHits.WithLabelValues(string(c.kind)).Inc()
	} else {
		c.misses.Add(1)
		c.metrics.cacheMisses.WithLabelValues(string(c.kind)).Inc()
	}
	return r, ok
}

func (c *resultCache) put(key uint64, r Result) {
	c.entries.Add(key, r)
}

// getOrCompute serves key from the cache or runs compute once for all
// concurrent callers asking for the same key. Results compute marks as not
// cacheable are returned but not stored.
func (c *resultCache) getOrCompute(key uint64, compute func() (Result, bool, error)) (Result, error) {
	if r, ok := c.get(key); ok {
		return r, nil
	}
	v, err, _ := c.flight.Do(strconv.FormatUint(key, 16), func() (any, error) {
		if r, ok := c.entries.Peek(key); ok {
			return r, nil
		}
		r, cacheable, err := compute()
		if err != nil {
			return Result{}, err
		}
		if cacheable {
			c.put(key, r)
		}
		return r, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *resultCache) contains(key uint64) bool {
	return c.entries.Contains(key)
}

func (c *resultCache) purge() {
	c.entries.Purge()
}

func (c *resultCache) stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.entries.Len(),
		Capacity:  c.capacity,
	}
}

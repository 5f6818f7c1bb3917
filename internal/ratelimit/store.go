package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// bucket is one fixed counting window.
type bucket struct {
	count     int
	resetTime time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[Key]*bucket
}

// BucketStore owns the counting windows. Keys are spread over shards, each
// with its own mutex, so a check serializes only with checks on keys that
// hash to the same shard.
type BucketStore struct {
	shards [shardCount]shard
}

// NewBucketStore returns an empty store. Every Limiter owns its own store.
func NewBucketStore() *BucketStore {
	s := &BucketStore{}
	for i := range s.shards {
		s.shards[i].buckets = make(map[Key]*bucket)
	}
	return s
}

func (s *BucketStore) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Identifier))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Action))
	return &s.shards[h.Sum32()%shardCount]
}

// take applies one fixed-window check at now.
func (s *BucketStore) take(k Key, r Rule, now time.Time) Decision {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[k]
	if !ok || now.After(b.resetTime) {
		b = &bucket{count: 1, resetTime: now.Add(r.Window)}
		sh.buckets[k] = b
		return Decision{Count: 1, Remaining: r.Limit - 1, ResetAt: b.resetTime}
	}
	if b.count >= r.Limit {
		return Decision{Limited: true, Count: b.count, ResetAt: b.resetTime}
	}
	b.count++
	return Decision{Count: b.count, Remaining: r.Limit - b.count, ResetAt: b.resetTime}
}

// refund returns a slot consumed by take, if the window it came from is still open.
func (s *BucketStore) refund(k Key, resetAt time.Time) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[k]
	if !ok || !b.resetTime.Equal(resetAt) || b.count == 0 {
		return
	}
	b.count--
}

// Sweep drops windows that elapsed before now and reports how many it removed.
func (s *BucketStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if now.After(b.resetTime) {
				delete(sh.buckets, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored windows, elapsed or not.
func (s *BucketStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Clear resets all buckets. Test isolation only.
func (s *BucketStore) Clear() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.buckets = make(map[Key]*bucket)
		sh.mu.Unlock()
	}
}

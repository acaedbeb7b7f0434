package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FrameDedup is a short-lived cache that drops live-feed frames the server
// resends byte-for-byte, typically right after a reconnect. Entries expire
// after ttl; the LRU bounds memory when the feed is busy.
type FrameDedup struct {
	mu   sync.Mutex
	seen *lru.Cache[string, time.Time]
	ttl  time.Duration
	now  func() time.Time
}

// NewFrameDedup creates a dedup cache. A ttl of zero or less disables
// deduplication.
func NewFrameDedup(ttl time.Duration, maxSize int) *FrameDedup {
	if maxSize <= 0 {
		maxSize = 1024
	}
	cache, _ := lru.New[string, time.Time](maxSize)
	return &FrameDedup{
		seen: cache,
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether an identical frame was seen within the TTL and
// records the frame otherwise.
func (d *FrameDedup) IsDuplicate(frame []byte) bool {
	if d == nil || d.ttl <= 0 {
		return false
	}
	key := frameHash(frame)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seenAt, ok := d.seen.Get(key); ok && now.Sub(seenAt) < d.ttl {
		return true
	}
	d.seen.Add(key, now)
	return false
}

// Size returns the number of remembered frames, expired or not.
func (d *FrameDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}

func frameHash(frame []byte) string {
	sum := sha256.Sum256(frame)
	return hex.EncodeToString(sum[:16])
}

package advisor

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"spark/internal/retrieval"
	"spark/internal/types"
)

// packetCache is the write-through cache of advisory bundles keyed by
// context fingerprint. A hit skips retrieval entirely.
type packetCache struct {
	mu      sync.Mutex
	packets map[string]*types.Packet
	maxSize int
}

func newPacketCache(maxSize int) *packetCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &packetCache{packets: make(map[string]*types.Packet), maxSize: maxSize}
}

// ContextFingerprint builds the packet key from tool, phase, intent family,
// and the top query tokens (sorted so token order does not fragment the
// cache).
func ContextFingerprint(tool string, phase types.Phase, intent string, queryText string) string {
	tokens := retrieval.Tokenize(queryText)
	sort.Strings(tokens)
	if len(tokens) > 6 {
		tokens = tokens[:6]
	}
	raw := strings.Join([]string{tool, string(phase), intent, strings.Join(tokens, ",")}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:12])
}

// Get returns the cached packet for fingerprint when present and fresh.
func (c *packetCache) Get(fingerprint string, now time.Time) (*types.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.packets[fingerprint]
	if !ok {
		return nil, false
	}
	if p.Expired(now) {
		delete(c.packets, fingerprint)
		return nil, false
	}
	return p, true
}

// Put stores candidates under fingerprint with the given ttl.
func (c *packetCache) Put(fingerprint string, candidates []types.Candidate, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.packets) >= c.maxSize {
		c.evictOldest()
	}
	c.packets[fingerprint] = &types.Packet{
		Fingerprint: fingerprint,
		Candidates:  candidates,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func (c *packetCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, p := range c.packets {
		if oldestKey == "" || p.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = p.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.packets, oldestKey)
	}
}

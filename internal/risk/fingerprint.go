package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"futures-gateway/pkg/types"
)

// fingerprintBucket is the idempotency time bucket. Two payloads with the
// same routing fields landing in the same bucket collide on purpose, which
// suppresses retries from the charting platform.
const fingerprintBucket = 10 * time.Second

// GenerateWebhookID derives the deterministic idempotency key for a signal:
// a SHA-256 digest of (account id, action, stop and tp rounded to 2 dp,
// 10-second time bucket), hex-encoded and truncated to 32 chars.
func (m *Manager) GenerateWebhookID(accountID string, p types.WebhookPayload) string {
	stop, tp := "-", "-"
	if p.Stop != nil {
		stop = p.Stop.Round(2).String()
	}
	if p.TP != nil {
		tp = p.TP.Round(2).String()
	}
	bucket := m.now().Unix() / int64(fingerprintBucket/time.Second)

	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%d",
		accountID, p.Action, stop, tp, bucket))
	return hex.EncodeToString(sum[:16])
}

// fingerprintRing is a bounded FIFO set of recent webhook fingerprints
// with per-entry TTL. Not safe for concurrent use on its own — the
// manager mutex guards it.
type fingerprintRing struct {
	cap  int
	ttl  time.Duration
	seen map[string]time.Time
	fifo []string
}

func newFingerprintRing(capacity int, ttl time.Duration) *fingerprintRing {
	if capacity < 128 {
		capacity = 128
	}
	return &fingerprintRing{
		cap:  capacity,
		ttl:  ttl,
		seen: make(map[string]time.Time, capacity),
	}
}

func (r *fingerprintRing) contains(id string, now time.Time) bool {
	at, ok := r.seen[id]
	if !ok {
		return false
	}
	if now.Sub(at) > r.ttl {
		delete(r.seen, id)
		r.dropFromFIFO(id)
		return false
	}
	return true
}

// dropFromFIFO removes an expired id so a later re-insert cannot leave a
// duplicate fifo slot that would evict a live entry early.
func (r *fingerprintRing) dropFromFIFO(id string) {
	for i, v := range r.fifo {
		if v == id {
			r.fifo = append(r.fifo[:i], r.fifo[i+1:]...)
			return
		}
	}
}

func (r *fingerprintRing) insert(id string, now time.Time) {
	if _, ok := r.seen[id]; ok {
		r.seen[id] = now
		return
	}
	r.seen[id] = now
	r.fifo = append(r.fifo, id)
	for len(r.fifo) > r.cap {
		evict := r.fifo[0]
		r.fifo = r.fifo[1:]
		delete(r.seen, evict)
	}
}

func (r *fingerprintRing) reset() {
	r.seen = make(map[string]time.Time, r.cap)
	r.fifo = r.fifo[:0]
}

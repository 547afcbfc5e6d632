package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// UsageStore is the slice of RecordStore the quota manager needs.
type UsageStore interface {
	UsageSince(ctx context.Context, senderID, sessionID string, since time.Time) (int64, error)
}

// QuotaManager enforces a fixed daily byte quota per (sender, session)
// pair, resetting at the start of each UTC day. Usage is cached with a TTL
// and recomputed from the authoritative store when stale.
//
// Enforcement is advisory under concurrency: two uploads racing the same
// cached baseline may both be admitted. Making this a hard guarantee would
// need a distributed lock, which is deliberately not done here.
type QuotaManager struct {
	mu    sync.Mutex
	store UsageStore
	limit int64
	ttl   time.Duration
	cache map[quotaKey]*quotaEntry

	now func() time.Time
}

type quotaKey struct {
	senderID  string
	sessionID string
}

type quotaEntry struct {
	usedBytes   int64
	refreshedAt time.Time
	day         time.Time
}

// NewQuotaManager builds a manager with the given daily limit and cache
// TTL (defaults 1 GiB, 300s).
func NewQuotaManager(store UsageStore, limit int64, ttl time.Duration) *QuotaManager {
	if limit <= 0 {
		limit = 1 << 30
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QuotaManager{
		store: store,
		limit: limit,
		ttl:   ttl,
		cache: make(map[quotaKey]*quotaEntry),
		now:   time.Now,
	}
}

// Check admits requestedBytes against the daily quota for the identity,
// returning a KindQuotaExceeded error when the cap would be crossed.
func (qm *QuotaManager) Check(ctx context.Context, id Identity, requestedBytes int64) error {
	key := quotaKey{senderID: id.SenderID, sessionID: id.SessionID}
	now := qm.now()
	dayStart := startOfUTCDay(now)

	qm.mu.Lock()
	entry, ok := qm.cache[key]
	stale := !ok || !entry.day.Equal(dayStart) || now.Sub(entry.refreshedAt) > qm.ttl
	qm.mu.Unlock()

	if stale {
		// Recompute outside the lock; the store call is I/O.
		used, err := qm.store.UsageSince(ctx, id.SenderID, id.SessionID, dayStart)
		if err != nil {
			return Wrap(KindStorageUnavailable, err, "quota lookup failed")
		}
		qm.mu.Lock()
		entry = &quotaEntry{usedBytes: used, refreshedAt: now, day: dayStart}
		qm.cache[key] = entry
		qm.mu.Unlock()
	}

	qm.mu.Lock()
	used := entry.usedBytes
	qm.mu.Unlock()

	if used+requestedBytes > qm.limit {
		return E(KindQuotaExceeded, "daily quota exceeded: used %s of %s",
			humanize.IBytes(uint64(used)), humanize.IBytes(uint64(qm.limit)))
	}
	return nil
}

// AddUsage bumps the cached usage after a successful commit. Cache-only:
// the authoritative sum is not re-read until the TTL expires.
func (qm *QuotaManager) AddUsage(id Identity, bytes int64) {
	key := quotaKey{senderID: id.SenderID, sessionID: id.SessionID}
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if entry, ok := qm.cache[key]; ok {
		entry.usedBytes += bytes
		return
	}
	qm.cache[key] = &quotaEntry{
		usedBytes:   bytes,
		refreshedAt: qm.now(),
		day:         startOfUTCDay(qm.now()),
	}
}

func startOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

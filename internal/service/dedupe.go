package service

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeStore is the bounded recent-events cache behind the webhook
// idempotence guarantee. CheckAndInsert must be atomic: two concurrent
// deliveries of the same id must not both observe "absent".
type DedupeStore interface {
	// CheckAndInsert reports whether id was newly inserted. false means the
	// event was already seen and must not be processed again.
	CheckAndInsert(ctx context.Context, id string) (bool, error)
	// Release removes id so a sender retry can be reprocessed after a
	// transient handler failure.
	Release(ctx context.Context, id string) error
}

type dedupeEntry struct {
	id      string
	addedAt time.Time
}

// memoryDedupe keeps the last maxSize event ids for at most ttl, whichever
// bound trips first. All operations hold one mutex, so check-and-insert is
// a single atomic step.
type memoryDedupe struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   []dedupeEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryDedupe builds the in-process dedupe cache. maxSize <= 0 falls
// back to 10000, ttl <= 0 to 24 hours.
func NewMemoryDedupe(maxSize int, ttl time.Duration) DedupeStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &memoryDedupe{
		seen:    make(map[string]time.Time),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (d *memoryDedupe) CheckAndInsert(_ context.Context, id string) (bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune(now)

	if _, ok := d.seen[id]; ok {
		return false, nil
	}
	d.seen[id] = now
	d.order = append(d.order, dedupeEntry{id: id, addedAt: now})
	return true, nil
}

func (d *memoryDedupe) Release(_ context.Context, id string) error {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
	return nil
}

// prune drops expired entries and trims the cache to maxSize, oldest first.
// Caller holds the mutex.
func (d *memoryDedupe) prune(now time.Time) {
	cutoff := now.Add(-d.ttl)
	i := 0
	for ; i < len(d.order) && d.order[i].addedAt.Before(cutoff); i++ {
		d.evict(d.order[i])
	}
	d.order = d.order[i:]

	for len(d.seen) >= d.maxSize && len(d.order) > 0 {
		d.evict(d.order[0])
		d.order = d.order[1:]
	}
}

func (d *memoryDedupe) evict(e dedupeEntry) {
	// A released id may have been re-inserted with a newer timestamp; only
	// drop the map entry if it still belongs to this queue slot.
	if at, ok := d.seen[e.id]; ok && at.Equal(e.addedAt) {
		delete(d.seen, e.id)
	}
}

// redisDedupe shares the recent-events cache across replicas via SETNX with
// a TTL.
type redisDedupe struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDedupe builds a dedupe store on an existing redis client.
func NewRedisDedupe(rdb *redis.Client, ttl time.Duration) DedupeStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisDedupe{rdb: rdb, ttl: ttl}
}

func (d *redisDedupe) CheckAndInsert(ctx context.Context, id string) (bool, error) {
	return d.rdb.SetNX(ctx, "webhook:event:"+id, "1", d.ttl).Result()
}

func (d *redisDedupe) Release(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, "webhook:event:"+id).Err()
}

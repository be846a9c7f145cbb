package sourcing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Debouncer claims an idempotency key for a job for a limited window.
type Debouncer interface {
	// Claim binds key to jobID unless another job already holds it. It
	// returns the current owner and whether this call claimed the key.
	Claim(ctx context.Context, key, jobID string, ttl time.Duration) (owner string, claimed bool, err error)
	// Release drops the key only while jobID still owns it.
	Release(ctx context.Context, key, jobID string) error
}

type claim struct {
	owner   string
	expires time.Time
}

// MemoryDebouncer is a process-local Debouncer backed by a TTL map.
type MemoryDebouncer struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

// NewMemoryDebouncer creates an empty MemoryDebouncer.
func NewMemoryDebouncer() *MemoryDebouncer {
	return &MemoryDebouncer{claims: make(map[string]claim), now: time.Now}
}

func (d *MemoryDebouncer) Claim(_ context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if c, ok := d.claims[key]; ok && now.Before(c.expires) {
		return c.owner, c.owner == jobID, nil
	}
	d.claims[key] = claim{owner: jobID, expires: now.Add(ttl)}
	d.sweep(now)
	return jobID, true, nil
}

func (d *MemoryDebouncer) Release(_ context.Context, key, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.claims[key]; ok && c.owner == jobID {
		delete(d.claims, key)
	}
	return nil
}

// sweep drops expired claims. Caller holds mu.
func (d *MemoryDebouncer) sweep(now time.Time) {
	for k, c := range d.claims {
		if !now.Before(c.expires) {
			delete(d.claims, k)
		}
	}
}

const debounceKeyPrefix = "sourcing:debounce:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDebouncer shares claims across engine instances.
type RedisDebouncer struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDebouncer creates a RedisDebouncer using client.
func NewRedisDebouncer(client redis.UniversalClient) *RedisDebouncer {
	return &RedisDebouncer{client: client, prefix: debounceKeyPrefix}
}

func (d *RedisDebouncer) Claim(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	k := d.prefix + key
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := d.client.SetNX(ctx, k, jobID, ttl).Result()
		if err != nil {
			return "", false, eris.Wrap(err, "sourcing: redis claim")
		}
		if ok {
			return jobID, true, nil
		}

		owner, err := d.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return "", false, eris.Wrap(err, "sourcing: redis read claim")
		}
		return owner, owner == jobID, nil
	}
	return "", false, eris.New("sourcing: redis claim contended")
}

func (d *RedisDebouncer) Release(ctx context.Context, key, jobID string) error {
	err := releaseScript.Run(ctx, d.client, []string{d.prefix + key}, jobID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return eris.Wrap(err, "sourcing: redis release")
	}
	return nil
}

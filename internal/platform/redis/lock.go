package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// unlockScript releases a lock only if the caller still owns it, so a lock
// that expired and was re-acquired elsewhere is never released by the
// original holder.
const unlockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Lock is a best-effort distributed lock over Redis (SET NX with expiry).
// It coordinates work like scheduling passes across horizontally scaled
// instances; it is not a fencing mechanism for correctness-critical
// sections.
type Lock struct {
	client *goredis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewLock creates a distributed lock manager over the given client.
func NewLock(client *goredis.Client) *Lock {
	if client == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("redis client cannot be nil for Lock")
	}
	return &Lock{client: client, tokens: make(map[string]string)}
}

// TryLock attempts to acquire key for ttl without blocking. Returns false
// when another holder owns it.
func (l *Lock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		l.tokens[key] = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Unlock releases key if this manager still holds it.
func (l *Lock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return l.client.Eval(ctx, unlockScript, []string{key}, token).Err()
}

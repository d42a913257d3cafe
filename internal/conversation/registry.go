package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"groundchat/internal/util"
	"groundchat/pkg/domain"
)

// Locker grants exclusive ownership of a key. Release must be safe to call
// more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// MemoryLocker serializes keys within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, domain.ErrConversationBusy
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker extends exclusion across instances sharing a Redis server.
// A held lock is refreshed every ttl/3 until released, so it only expires
// when its holder has died.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "groundchat:chatlock:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := util.NewID()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire chat lock: %v", domain.ErrPersistence, err)
	}
	if !ok {
		return nil, domain.ErrConversationBusy
	}
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(l.prefix+key, token, stop, stopped)
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
		})
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// Lost to expiry or another holder; nothing left to extend.
				return
			}
		}
	}
}

// Registry tracks the live session of every chat. At most one session per
// chat id exists at a time; entries are removed when a session terminates.
// Claims made on this instance are checked before the locker, so a lock lost
// in a shared backend never admits a second local session.
type Registry struct {
	locker Locker

	mu       sync.Mutex
	claimed  map[string]struct{}
	sessions map[string]*Session
}

func NewRegistry(locker Locker) *Registry {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Registry{locker: locker, claimed: make(map[string]struct{}), sessions: make(map[string]*Session)}
}

// reserve claims chatID or fails with ErrConversationBusy.
func (r *Registry) reserve(ctx context.Context, chatID string) (func(), error) {
	r.mu.Lock()
	if _, busy := r.claimed[chatID]; busy {
		r.mu.Unlock()
		return nil, domain.ErrConversationBusy
	}
	r.claimed[chatID] = struct{}{}
	r.mu.Unlock()

	unclaim := func() {
		r.mu.Lock()
		delete(r.claimed, chatID)
		r.mu.Unlock()
	}
	release, err := r.locker.Acquire(ctx, chatID)
	if err != nil {
		unclaim()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			unclaim()
		})
	}, nil
}

func (r *Registry) register(s *Session) {
	r.mu.Lock()
	r.sessions[s.ChatID] = s
	r.mu.Unlock()
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.ChatID] == s {
		delete(r.sessions, s.ChatID)
	}
	r.mu.Unlock()
}

// Get returns the live session of chatID on this instance.
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// Len reports the number of live sessions on this instance.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

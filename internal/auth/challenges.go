package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// ChallengeStore keeps pending second-factor challenges.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge, ttl time.Duration) error
	// Get returns shared.ErrTwoFactorExpired for unknown or consumed ids.
	Get(ctx context.Context, id string) (Challenge, error)
	// Fail counts a wrong code and deletes the challenge once maxAttempts
	// is reached.
	Fail(ctx context.Context, id string, maxAttempts int) (attempts int, err error)
	// Consume deletes the challenge and reports whether this call did so.
	Consume(ctx context.Context, id string) (bool, error)
}

// MemoryChallengeStore keeps challenges in process memory.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	clock      shared.Clock
	challenges map[string]Challenge
}

// NewMemoryChallengeStore constructs a MemoryChallengeStore.
func NewMemoryChallengeStore(clock shared.Clock) *MemoryChallengeStore {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &MemoryChallengeStore{clock: clock, challenges: make(map[string]Challenge)}
}

func (s *MemoryChallengeStore) Put(ctx context.Context, c Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge()
	s.challenges[c.ID] = c
	return nil
}

func (s *MemoryChallengeStore) Get(ctx context.Context, id string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok || !s.clock.Now().Before(c.ExpiresAt) {
		delete(s.challenges, id)
		return Challenge{}, shared.ErrTwoFactorExpired
	}
	return c, nil
}

func (s *MemoryChallengeStore) Fail(ctx context.Context, id string, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return 0, shared.ErrTwoFactorExpired
	}
	c.Attempts++
	if c.Attempts >= maxAttempts {
		delete(s.challenges, id)
	} else {
		s.challenges[id] = c
	}
	return c.Attempts, nil
}

func (s *MemoryChallengeStore) Consume(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[id]; !ok {
		return false, nil
	}
	delete(s.challenges, id)
	return true, nil
}

func (s *MemoryChallengeStore) purge() {
	now := s.clock.Now()
	for id, c := range s.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(s.challenges, id)
		}
	}
}

// RedisChallengeStore keeps each challenge in a hash that expires with it.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisChallengeStore constructs a RedisChallengeStore.
func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, prefix: "access:2fa:"}
}

func (s *RedisChallengeStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisChallengeStore) Put(ctx context.Context, c Challenge, ttl time.Duration) error {
	key := s.key(c.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"actor_id":    c.ActorID,
		"source_ip":   c.SourceIP,
		"device":      c.Options.Device,
		"remember_me": strconv.FormatBool(c.Options.RememberMe),
		"expires_at":  c.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"attempts":    c.Attempts,
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("auth: put challenge: %w", err)
	}
	return nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, id string) (Challenge, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return Challenge{}, fmt.Errorf("auth: get challenge: %w", err)
	}
	if len(fields) == 0 {
		return Challenge{}, shared.ErrTwoFactorExpired
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields["expires_at"])
	if err != nil {
		return Challenge{}, fmt.Errorf("auth: decode challenge: %w", err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	rememberMe, _ := strconv.ParseBool(fields["remember_me"])
	return Challenge{
		ID:        id,
		ActorID:   fields["actor_id"],
		SourceIP:  fields["source_ip"],
		Options:   LoginOptions{Device: fields["device"], RememberMe: rememberMe},
		ExpiresAt: expiresAt,
		Attempts:  attempts,
	}, nil
}

var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if n >= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
end
return n
`)

func (s *RedisChallengeStore) Fail(ctx context.Context, id string, maxAttempts int) (int, error) {
	n, err := failScript.Run(ctx, s.client, []string{s.key(id)}, maxAttempts).Int()
	if err != nil {
		return 0, fmt.Errorf("auth: fail challenge: %w", err)
	}
	if n < 0 {
		return 0, shared.ErrTwoFactorExpired
	}
	return n, nil
}

func (s *RedisChallengeStore) Consume(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("auth: consume challenge: %w", err)
	}
	return n == 1, nil
}

var (
	_ ChallengeStore = (*MemoryChallengeStore)(nil)
	_ ChallengeStore = (*RedisChallengeStore)(nil)
)

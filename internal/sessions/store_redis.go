package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RedisStore keeps each session as JSON with a token index, a per-actor set
// and a global set of live session ids. Ended sessions are retained for
// the configured period so revoked tokens report Revoked, not NotFound.
type RedisStore struct {
	client    *redis.Client
	clock     shared.Clock
	retention time.Duration
	prefix    string
}

type storedSession struct {
	Session
	TokenHash string `json:"token_hash"`
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client, clock shared.Clock, retention time.Duration) *RedisStore {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, clock: clock, retention: retention, prefix: "access:"}
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) tokenKey(digest string) string { return r.prefix + "session:token:" + digest }
func (r *RedisStore) actorKey(actorID string) string { return r.prefix + "sessions:actor:" + actorID }
func (r *RedisStore) liveKey() string { return r.prefix + "sessions:live" }

// ttl keeps a record until its expiry plus the retention period.
func (r *RedisStore) ttl(s Session) time.Duration {
	horizon := s.ExpiresAt
	if s.EndedAt != nil {
		horizon = *s.EndedAt
	}
	ttl := horizon.Sub(r.clock.Now()) + r.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *RedisStore) encode(s Session) ([]byte, error) {
	data, err := json.Marshal(storedSession{Session: s, TokenHash: s.TokenHash})
	if err != nil {
		return nil, fmt.Errorf("sessions: encode: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Session, error) {
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return Session{}, fmt.Errorf("sessions: decode: %w", err)
	}
	s := stored.Session
	s.TokenHash = stored.TokenHash
	return s, nil
}

func (r *RedisStore) write(ctx context.Context, s Session, create bool) error {
	data, err := r.encode(s)
	if err != nil {
		return err
	}
	ttl := r.ttl(s)
	if create {
		ok, err := r.client.SetNX(ctx, r.sessionKey(s.ID), data, ttl).Result()
		if err != nil {
			return fmt.Errorf("sessions: insert: %w", err)
		}
		if !ok {
			return shared.ErrDuplicate
		}
	}
	pipe := r.client.TxPipeline()
	if !create {
		pipe.Set(ctx, r.sessionKey(s.ID), data, ttl)
	}
	pipe.Set(ctx, r.tokenKey(s.TokenHash), s.ID, ttl)
	if s.State.Terminal() {
		pipe.SRem(ctx, r.actorKey(s.ActorID), s.ID)
		pipe.SRem(ctx, r.liveKey(), s.ID)
	} else {
		pipe.SAdd(ctx, r.actorKey(s.ActorID), s.ID)
		pipe.SAdd(ctx, r.liveKey(), s.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sessions: write: %w", err)
	}
	return nil
}

func (r *RedisStore) Insert(ctx context.Context, s Session) error {
	return r.write(ctx, s, true)
}

func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, shared.ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("sessions: get: %w", err)
	}
	return decode(data)
}

func (r *RedisStore) GetByTokenHash(ctx context.Context, digest string) (Session, error) {
	id, err := r.client.Get(ctx, r.tokenKey(digest)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, shared.ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("sessions: token lookup: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *RedisStore) Update(ctx context.Context, s Session) error {
	exists, err := r.client.Exists(ctx, r.sessionKey(s.ID)).Result()
	if err != nil {
		return fmt.Errorf("sessions: update: %w", err)
	}
	if exists == 0 {
		return shared.ErrSessionNotFound
	}
	return r.write(ctx, s, false)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id), r.tokenKey(s.TokenHash))
	pipe.SRem(ctx, r.actorKey(s.ActorID), id)
	pipe.SRem(ctx, r.liveKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

func (r *RedisStore) ListByActor(ctx context.Context, actorID string) ([]Session, error) {
	return r.members(ctx, r.actorKey(actorID))
}

func (r *RedisStore) ListLive(ctx context.Context) ([]Session, error) {
	return r.members(ctx, r.liveKey())
}

// members loads the sessions referenced by a set, dropping ids whose record
// has already expired out of Redis.
func (r *RedisStore) members(ctx context.Context, setKey string) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: load members: %w", err)
	}
	out := make([]Session, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		s, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		if s.State.Terminal() {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, setKey, stale...).Err()
	}
	return out, nil
}

var _ Store = (*RedisStore)(nil)

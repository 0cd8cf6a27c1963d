package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	failedLoginKeyPrefix = "auth:failed:"
	lockoutKeyPrefix     = "auth:lockout:"
	sessionKeyPrefix     = "auth:session:"
)

// NewRedisState returns registries whose records expire through Redis key TTLs.
func NewRedisState(client redis.Cmdable, windows StateWindows, now func() time.Time) State {
	if now == nil {
		now = time.Now
	}
	rs := &redisState{client: client, windows: windows, now: now}
	return State{
		Failures: redisFailedLogins{rs},
		Lockouts: redisLockouts{rs},
		Sessions: redisSessions{rs},
	}
}

type redisState struct {
	client  redis.Cmdable
	windows StateWindows
	now     func() time.Time
}

// load decodes key into dst. It reports false when the key does not exist.
func (s *redisState) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// store writes value under key. With ttl > 0 the key gets a fresh expiry; ttl == redis.KeepTTL
// preserves the current one. onlyExisting skips the write when the key has expired.
func (s *redisState) store(ctx context.Context, key string, value any, ttl time.Duration, onlyExisting bool) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}

	args := redis.SetArgs{TTL: ttl}
	if ttl == redis.KeepTTL {
		args = redis.SetArgs{KeepTTL: true}
	}
	if onlyExisting {
		args.Mode = "XX"
	}

	if err := s.client.SetArgs(ctx, key, raw, args).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis set %s: %w", key, err)
	}
	return true, nil
}

func (s *redisState) del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

type redisFailedLogins struct{ s *redisState }

func (f redisFailedLogins) key(userID string) string {
	return failedLoginKeyPrefix + userID
}

func (f redisFailedLogins) Get(ctx context.Context, userID string) (*FailedLoginRecord, error) {
	var record FailedLoginRecord
	found, err := f.s.load(ctx, f.key(userID), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

func (f redisFailedLogins) RecordFailure(ctx context.Context, userID string) (*FailedLoginRecord, error) {
	current, err := f.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if current != nil {
		current.NumFailed++
		written, err := f.s.store(ctx, f.key(userID), current, redis.KeepTTL, true)
		if err != nil {
			return nil, err
		}
		if written {
			return current, nil
		}
		// The window closed between the read and the write; start a new one.
	}

	record := &FailedLoginRecord{UserID: userID, NumFailed: 1, CreatedAt: f.s.now().UTC()}
	if _, err := f.s.store(ctx, f.key(userID), record, f.s.windows.FailedLogin, false); err != nil {
		return nil, err
	}
	return record, nil
}

func (f redisFailedLogins) Clear(ctx context.Context, userID string) error {
	return f.s.del(ctx, f.key(userID))
}

type redisLockouts struct{ s *redisState }

func (l redisLockouts) key(userID string) string {
	return lockoutKeyPrefix + userID
}

func (l redisLockouts) Get(ctx context.Context, userID string) (*LockoutRecord, error) {
	var record LockoutRecord
	found, err := l.s.load(ctx, l.key(userID), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

func (l redisLockouts) Lock(ctx context.Context, userID string) error {
	record := LockoutRecord{UserID: userID, CreatedAt: l.s.now().UTC()}
	_, err := l.s.store(ctx, l.key(userID), record, l.s.windows.Lockout, false)
	return err
}

func (l redisLockouts) Clear(ctx context.Context, userID string) error {
	return l.s.del(ctx, l.key(userID))
}

type redisSessions struct{ s *redisState }

func (r redisSessions) key(userID, token string) string {
	return sessionKeyPrefix + userID + ":" + hashToken(token)
}

func (r redisSessions) Create(ctx context.Context, userID, token string) (*RefreshTokenRecord, error) {
	record := &RefreshTokenRecord{UserID: userID, Token: token, LastUsed: r.s.now().UTC()}
	if _, err := r.s.store(ctx, r.key(userID, token), record, r.s.windows.Idle, false); err != nil {
		return nil, err
	}
	return record, nil
}

func (r redisSessions) Find(ctx context.Context, userID, token string) (*RefreshTokenRecord, error) {
	var record RefreshTokenRecord
	found, err := r.s.load(ctx, r.key(userID, token), &record)
	if err != nil || !found {
		return nil, err
	}
	record.Token = token
	return &record, nil
}

// Touch never recreates a session that was deleted or expired after it was read.
func (r redisSessions) Touch(ctx context.Context, record *RefreshTokenRecord) error {
	touched := *record
	touched.LastUsed = r.s.now().UTC()

	written, err := r.s.store(ctx, r.key(record.UserID, record.Token), touched, r.s.windows.Idle, true)
	if err != nil {
		return err
	}
	if written {
		record.LastUsed = touched.LastUsed
	}
	return nil
}

func (r redisSessions) Delete(ctx context.Context, userID, token string) error {
	return r.s.del(ctx, r.key(userID, token))
}

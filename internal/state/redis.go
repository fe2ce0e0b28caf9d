// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const opTimeout = 2 * time.Second

// Connect opens a Redis client from a redis:// URL and verifies the
// connection with a ping.
func Connect(url string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("state: parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 5

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to Redis state store")

	return client, nil
}

// RedisStore is the Redis-backed Store shared across relay nodes.
type RedisStore struct {
	client   *redis.Client
	keys     keys
	logger   zerolog.Logger
	warnOnce sync.Once
}

// NewRedisStore wraps an existing client. The prefix namespaces every key for
// multi-tenant deployments.
func NewRedisStore(client *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		keys:   keys{prefix: prefix},
		logger: logger,
	}
}

// Client exposes the underlying connection for the pub/sub bus adapter.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// warn logs the first backend failure at warn level and later ones at debug,
// so an outage produces one loud line per process instead of a flood.
func (s *RedisStore) warn(err error, op string) {
	logged := false
	s.warnOnce.Do(func() {
		s.logger.Warn().Err(err).Str("op", op).Msg("redis state store unavailable")
		logged = true
	})
	if !logged {
		s.logger.Debug().Err(err).Str("op", op).Msg("redis op failed")
	}
}

// PutSession writes the full hash, indexes it and refreshes TTLs.
func (s *RedisStore) PutSession(ctx context.Context, data *SessionData) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	key := s.keys.session(data.SessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, sessionToMap(data))
		pipe.Expire(ctx, key, SessionTTL)
		pipe.SAdd(ctx, s.keys.allSessions(), data.SessionID)
		pipe.Expire(ctx, s.keys.allSessions(), SessionTTL+indexTTLSlack)
		if data.UserID != "" {
			pipe.SAdd(ctx, s.keys.userSessions(data.UserID), data.SessionID)
			pipe.Expire(ctx, s.keys.userSessions(data.UserID), SessionTTL+indexTTLSlack)
		}
		return nil
	})
	if err != nil {
		s.warn(err, "put_session")
		return fmt.Errorf("state: put session: %w", err)
	}
	return nil
}

// GetSession loads a session hash or ErrNotFound.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*SessionData, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	m, err := s.client.HGetAll(ctx, s.keys.session(sessionID)).Result()
	if err != nil {
		s.warn(err, "get_session")
		return nil, fmt.Errorf("state: get session: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromMap(m), nil
}

// UpdateSession applies a field-level patch inside a WATCH transaction so a
// concurrently deleted session is never resurrected as a partial hash.
func (s *RedisStore) UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error {
	fields := patch.toMap()
	if len(fields) == 0 {
		return s.RefreshSessionTTL(ctx, sessionID)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	key := s.keys.session(sessionID)
	txn := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, SessionTTL)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		s.warn(err, "update_session")
		return fmt.Errorf("state: update session: %w", err)
	}
	return fmt.Errorf("state: update session %s: too many conflicts", sessionID)
}

// DeleteSession removes the hash, its seq counter, any pending runner link
// and the index memberships.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	data, err := s.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.session(sessionID))
		pipe.Del(ctx, s.keys.seq(sessionID))
		pipe.Del(ctx, s.keys.runnerLink(sessionID))
		pipe.SRem(ctx, s.keys.allSessions(), sessionID)
		if data != nil && data.UserID != "" {
			pipe.SRem(ctx, s.keys.userSessions(data.UserID), sessionID)
		}
		return nil
	})
	if err != nil {
		s.warn(err, "delete_session")
		return fmt.Errorf("state: delete session: %w", err)
	}
	return nil
}

// ListSessions returns all live sessions, optionally restricted to one user.
// Stale index members (hash already gone) are skipped.
func (s *RedisStore) ListSessions(ctx context.Context, filterUserID string) ([]*SessionData, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	indexKey := s.keys.allSessions()
	if filterUserID != "" {
		indexKey = s.keys.userSessions(filterUserID)
	}
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		s.warn(err, "list_sessions")
		return nil, fmt.Errorf("state: list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.keys.session(id))
		}
		return nil
	})
	if err != nil {
		s.warn(err, "list_sessions")
		return nil, fmt.Errorf("state: list sessions: %w", err)
	}

	out := make([]*SessionData, 0, len(ids))
	for _, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		out = append(out, sessionFromMap(m))
	}
	return out, nil
}

// IncrementSeq atomically advances the session's event sequence and keeps the
// counter's TTL aligned with the session.
func (s *RedisStore) IncrementSeq(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, s.keys.seq(sessionID))
		pipe.Expire(ctx, s.keys.seq(sessionID), SessionTTL)
		return nil
	})
	if err != nil {
		s.warn(err, "increment_seq")
		return 0, fmt.Errorf("state: increment seq: %w", err)
	}
	return incr.Val(), nil
}

// CurrentSeq reads the counter without advancing it; a missing counter is 0.
func (s *RedisStore) CurrentSeq(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, s.keys.seq(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		s.warn(err, "current_seq")
		return 0, fmt.Errorf("state: current seq: %w", err)
	}
	return v, nil
}

// RefreshSessionTTL pushes the hash and counter TTLs forward.
func (s *RedisStore) RefreshSessionTTL(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, s.keys.session(sessionID), SessionTTL)
		pipe.Expire(ctx, s.keys.seq(sessionID), SessionTTL)
		return nil
	})
	if err != nil {
		s.warn(err, "refresh_ttl")
		return fmt.Errorf("state: refresh session ttl: %w", err)
	}
	return nil
}

// ScanExpiredSessions returns ids whose expiresAt field lies at or before
// now. Sessions without a deadline are never returned.
func (s *RedisStore) ScanExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.keys.allSessions()).Result()
	if err != nil {
		s.warn(err, "scan_expired")
		return nil, fmt.Errorf("state: scan expired sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.keys.session(id), fieldExpiresAt)
		}
		return nil
	})
	if err != nil {
		s.warn(err, "scan_expired")
		return nil, fmt.Errorf("state: scan expired sessions: %w", err)
	}

	nowMs := now.UnixMilli()
	var expired []string
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 || vals[0] == nil {
			continue
		}
		raw, ok := vals[0].(string)
		if !ok {
			continue
		}
		if at := parseIntField(raw); at > 0 && at <= nowMs {
			expired = append(expired, ids[i])
		}
	}
	return expired, nil
}

// CleanStaleIndexEntries removes index members whose hash no longer exists.
func (s *RedisStore) CleanStaleIndexEntries(ctx context.Context) (int, error) {
	removed := 0

	n, err := s.cleanIndex(ctx, s.keys.allSessions(), s.keys.session)
	if err != nil {
		return removed, err
	}
	removed += n

	n, err = s.cleanIndex(ctx, s.keys.allRunners(), s.keys.runner)
	if err != nil {
		return removed, err
	}
	removed += n

	patterns := []struct {
		pattern string
		keyFn   func(string) string
	}{
		{s.keys.userSessionsPattern(), s.keys.session},
		{s.keys.userRunnersPattern(), s.keys.runner},
		{s.keys.runnerTerminalsPattern(), s.keys.terminal},
	}
	for _, p := range patterns {
		scanCtx, cancel := s.opCtx(ctx)
		iter := s.client.Scan(scanCtx, 0, p.pattern, 100).Iterator()
		var indexKeys []string
		for iter.Next(scanCtx) {
			indexKeys = append(indexKeys, iter.Val())
		}
		err := iter.Err()
		cancel()
		if err != nil {
			s.warn(err, "clean_stale")
			return removed, fmt.Errorf("state: scan indexes: %w", err)
		}
		for _, indexKey := range indexKeys {
			n, err := s.cleanIndex(ctx, indexKey, p.keyFn)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	return removed, nil
}

func (s *RedisStore) cleanIndex(ctx context.Context, indexKey string, entityKey func(string) string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		s.warn(err, "clean_stale")
		return 0, fmt.Errorf("state: clean index %s: %w", indexKey, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	cmds := make([]*redis.IntCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Exists(ctx, entityKey(id))
		}
		return nil
	})
	if err != nil {
		s.warn(err, "clean_stale")
		return 0, fmt.Errorf("state: clean index %s: %w", indexKey, err)
	}

	var stale []any
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
		s.warn(err, "clean_stale")
		return 0, fmt.Errorf("state: clean index %s: %w", indexKey, err)
	}
	return len(stale), nil
}

// PutRunner writes the runner hash and indexes it.
func (s *RedisStore) PutRunner(ctx context.Context, r *RunnerData) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	key := s.keys.runner(r.RunnerID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, runnerToMap(r))
		pipe.Expire(ctx, key, RunnerTTL)
		pipe.SAdd(ctx, s.keys.allRunners(), r.RunnerID)
		pipe.Expire(ctx, s.keys.allRunners(), RunnerTTL+indexTTLSlack)
		if r.UserID != "" {
			pipe.SAdd(ctx, s.keys.userRunners(r.UserID), r.RunnerID)
			pipe.Expire(ctx, s.keys.userRunners(r.UserID), RunnerTTL+indexTTLSlack)
		}
		return nil
	})
	if err != nil {
		s.warn(err, "put_runner")
		return fmt.Errorf("state: put runner: %w", err)
	}
	return nil
}

// GetRunner loads a runner hash or ErrNotFound.
func (s *RedisStore) GetRunner(ctx context.Context, runnerID string) (*RunnerData, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	m, err := s.client.HGetAll(ctx, s.keys.runner(runnerID)).Result()
	if err != nil {
		s.warn(err, "get_runner")
		return nil, fmt.Errorf("state: get runner: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return runnerFromMap(m), nil
}

// DeleteRunner removes the hash, its terminal index and index memberships.
func (s *RedisStore) DeleteRunner(ctx context.Context, runnerID string) error {
	data, err := s.GetRunner(ctx, runnerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.runner(runnerID))
		pipe.Del(ctx, s.keys.runnerTerminals(runnerID))
		pipe.SRem(ctx, s.keys.allRunners(), runnerID)
		if data != nil && data.UserID != "" {
			pipe.SRem(ctx, s.keys.userRunners(data.UserID), runnerID)
		}
		return nil
	})
	if err != nil {
		s.warn(err, "delete_runner")
		return fmt.Errorf("state: delete runner: %w", err)
	}
	return nil
}

// ListRunners returns all live runners, optionally restricted to one user.
func (s *RedisStore) ListRunners(ctx context.Context, filterUserID string) ([]*RunnerData, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	indexKey := s.keys.allRunners()
	if filterUserID != "" {
		indexKey = s.keys.userRunners(filterUserID)
	}
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		s.warn(err, "list_runners")
		return nil, fmt.Errorf("state: list runners: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.keys.runner(id))
		}
		return nil
	})
	if err != nil {
		s.warn(err, "list_runners")
		return nil, fmt.Errorf("state: list runners: %w", err)
	}

	out := make([]*RunnerData, 0, len(ids))
	for _, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		out = append(out, runnerFromMap(m))
	}
	return out, nil
}

// TouchRunner refreshes the runner's TTL, e.g. on heartbeat or ping.
func (s *RedisStore) TouchRunner(ctx context.Context, runnerID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.Expire(ctx, s.keys.runner(runnerID), RunnerTTL).Err(); err != nil {
		s.warn(err, "touch_runner")
		return fmt.Errorf("state: touch runner: %w", err)
	}
	return nil
}

// PutTerminal writes the terminal hash and links it to its runner.
func (s *RedisStore) PutTerminal(ctx context.Context, t *TerminalData) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	key := s.keys.terminal(t.TerminalID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, terminalToMap(t))
		pipe.Expire(ctx, key, TerminalTTL)
		pipe.SAdd(ctx, s.keys.runnerTerminals(t.RunnerID), t.TerminalID)
		pipe.Expire(ctx, s.keys.runnerTerminals(t.RunnerID), TerminalTTL+indexTTLSlack)
		return nil
	})
	if err != nil {
		s.warn(err, "put_terminal")
		return fmt.Errorf("state: put terminal: %w", err)
	}
	return nil
}

// GetTerminal loads a terminal hash or ErrNotFound.
func (s *RedisStore) GetTerminal(ctx context.Context, terminalID string) (*TerminalData, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	m, err := s.client.HGetAll(ctx, s.keys.terminal(terminalID)).Result()
	if err != nil {
		s.warn(err, "get_terminal")
		return nil, fmt.Errorf("state: get terminal: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return terminalFromMap(m), nil
}

// DeleteTerminal removes the hash and its runner-index membership.
func (s *RedisStore) DeleteTerminal(ctx context.Context, terminalID string) error {
	data, err := s.GetTerminal(ctx, terminalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.terminal(terminalID))
		if data != nil && data.RunnerID != "" {
			pipe.SRem(ctx, s.keys.runnerTerminals(data.RunnerID), terminalID)
		}
		return nil
	})
	if err != nil {
		s.warn(err, "delete_terminal")
		return fmt.Errorf("state: delete terminal: %w", err)
	}
	return nil
}

// ListRunnerTerminals returns the live terminals owned by a runner.
func (s *RedisStore) ListRunnerTerminals(ctx context.Context, runnerID string) ([]*TerminalData, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.keys.runnerTerminals(runnerID)).Result()
	if err != nil {
		s.warn(err, "list_terminals")
		return nil, fmt.Errorf("state: list terminals: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.keys.terminal(id))
		}
		return nil
	})
	if err != nil {
		s.warn(err, "list_terminals")
		return nil, fmt.Errorf("state: list terminals: %w", err)
	}

	out := make([]*TerminalData, 0, len(ids))
	for _, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		out = append(out, terminalFromMap(m))
	}
	return out, nil
}

// PutRunnerLink records a pending sessionId→runnerId link with set-if-absent
// semantics so two concurrent spawns cannot both claim the session.
func (s *RedisStore) PutRunnerLink(ctx context.Context, sessionID, runnerID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ok, err := s.client.SetNX(ctx, s.keys.runnerLink(sessionID), runnerID, LinkTTL).Result()
	if err != nil {
		s.warn(err, "put_link")
		return false, fmt.Errorf("state: put runner link: %w", err)
	}
	return ok, nil
}

// TakeRunnerLink consumes a pending link atomically.
func (s *RedisStore) TakeRunnerLink(ctx context.Context, sessionID string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	v, err := s.client.GetDel(ctx, s.keys.runnerLink(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		s.warn(err, "take_link")
		return "", fmt.Errorf("state: take runner link: %w", err)
	}
	return v, nil
}

// Ping checks backend availability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

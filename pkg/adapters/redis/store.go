package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/aretw0/termstore/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "termstore:"

// raiseScript sets KEYS[1] to ARGV[1] unless it already holds a larger value.
var raiseScript = backend.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local target = tonumber(ARGV[1])
if current < target then
	redis.call("SET", KEYS[1], ARGV[1])
	return target
end
return current
`)

// Store implements ports.DurableBackend using Redis.
//
// Layout, relative to the prefix:
//
//	session:{id}              JSON row
//	project:{pid}:sessions    SET of ids
//	project:{pid}:focused     SET of focused ids
//	project:{pid}:tab         tab counter
//	sessions:index            ZSET of ids scored by creation time
//	suspensions:{id}          LIST of archived suspension records
type Store struct {
	client *backend.Client
	prefix string
}

type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Client exposes the underlying client, e.g. to share it with a Locker.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) Name() string {
	return "redis"
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *Store) projectKey(projectID string) string {
	return s.prefix + "project:" + projectID + ":sessions"
}

func (s *Store) focusKey(projectID string) string {
	return s.prefix + "project:" + projectID + ":focused"
}

func (s *Store) tabKey(projectID string) string {
	return s.prefix + "project:" + projectID + ":tab"
}

func (s *Store) indexKey() string {
	return s.prefix + "sessions:index"
}

func (s *Store) suspensionKey(id string) string {
	return s.prefix + "suspensions:" + id
}

// queuePut adds the writes of one row to a pipeline.
func (s *Store) queuePut(ctx context.Context, pipe backend.Pipeliner, sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
	pipe.SAdd(ctx, s.projectKey(sess.ProjectID), sess.ID)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  float64(sess.CreatedAt.UnixMicro()),
		Member: sess.ID,
	})
	if sess.IsFocused {
		pipe.SAdd(ctx, s.focusKey(sess.ProjectID), sess.ID)
	} else {
		pipe.SRem(ctx, s.focusKey(sess.ProjectID), sess.ID)
	}
	return nil
}

// queueDelete adds the removal of one row and its indexes to a pipeline.
func (s *Store) queueDelete(ctx context.Context, pipe backend.Pipeliner, sess *domain.Session) {
	pipe.Del(ctx, s.sessionKey(sess.ID), s.suspensionKey(sess.ID))
	pipe.SRem(ctx, s.projectKey(sess.ProjectID), sess.ID)
	pipe.SRem(ctx, s.focusKey(sess.ProjectID), sess.ID)
	pipe.ZRem(ctx, s.indexKey(), sess.ID)
}

// Put persists the row and its indexes in one MULTI/EXEC transaction.
func (s *Store) Put(ctx context.Context, sess *domain.Session) error {
	var queueErr error
	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		queueErr = s.queuePut(ctx, pipe, sess)
		return queueErr
	})
	if queueErr != nil {
		return queueErr
	}
	if err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Get retrieves a row.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	val, err := s.client.Get(ctx, s.sessionKey(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.NotFound("get", id)
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return decode(val)
}

// Delete removes the row, its indexes and its suspension archive.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		s.queueDelete(ctx, pipe, sess)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete from redis: %w", err)
	}
	return true, nil
}

// ListByProject loads every row of a project.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*domain.Session, error) {
	ids, err := s.client.SMembers(ctx, s.projectKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list project sessions: %w", err)
	}
	slices.Sort(ids)
	return s.load(ctx, ids)
}

// ListAll loads rows in creation order.
func (s *Store) ListAll(ctx context.Context, limit int) ([]*domain.Session, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return s.load(ctx, ids)
}

// load fetches rows with a single MGET, skipping ids whose row is gone.
func (s *Store) load(ctx context.Context, ids []string) ([]*domain.Session, error) {
	if len(ids) == 0 {
		return []*domain.Session{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	out := make([]*domain.Session, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		sess, err := decode(str)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// FocusedIDs queries the focus set of a project.
func (s *Store) FocusedIDs(ctx context.Context, projectID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.focusKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list focused sessions: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(n), nil
}

// Batch applies all puts and deletes in one MULTI/EXEC transaction.
func (s *Store) Batch(ctx context.Context, puts []*domain.Session, deletes []string) error {
	var doomed []*domain.Session
	for _, id := range deletes {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		doomed = append(doomed, sess)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for _, sess := range doomed {
			s.queueDelete(ctx, pipe, sess)
		}
		for _, sess := range puts {
			if err := s.queuePut(ctx, pipe, sess); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	return nil
}

func (s *Store) NextTab(ctx context.Context, projectID string) (int, error) {
	n, err := s.client.Incr(ctx, s.tabKey(projectID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment tab counter: %w", err)
	}
	return int(n), nil
}

func (s *Store) EnsureTab(ctx context.Context, projectID string, n int) error {
	if err := raiseScript.Run(ctx, s.client, []string{s.tabKey(projectID)}, n).Err(); err != nil {
		return fmt.Errorf("failed to raise tab counter: %w", err)
	}
	return nil
}

func (s *Store) AppendSuspension(ctx context.Context, rec domain.SuspensionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal suspension record: %w", err)
	}
	if err := s.client.RPush(ctx, s.suspensionKey(rec.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to archive suspension: %w", err)
	}
	return nil
}

func (s *Store) LatestSuspension(ctx context.Context, sessionID string) (*domain.SuspensionRecord, error) {
	val, err := s.client.LIndex(ctx, s.suspensionKey(sessionID), -1).Result()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read suspension: %w", err)
	}
	var rec domain.SuspensionRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suspension record: %w", err)
	}
	return &rec, nil
}

func (s *Store) RemoveSuspension(ctx context.Context, sessionID, recordID string) error {
	key := s.suspensionKey(sessionID)
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read suspensions: %w", err)
	}
	for i := len(vals) - 1; i >= 0; i-- {
		var rec domain.SuspensionRecord
		if err := json.Unmarshal([]byte(vals[i]), &rec); err != nil {
			continue
		}
		if rec.ID == recordID {
			if err := s.client.LRem(ctx, key, -1, vals[i]).Err(); err != nil {
				return fmt.Errorf("failed to remove suspension: %w", err)
			}
			return nil
		}
	}
	return nil
}

func (s *Store) SuspensionHistory(ctx context.Context, sessionID string) ([]domain.SuspensionRecord, error) {
	vals, err := s.client.LRange(ctx, s.suspensionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read suspensions: %w", err)
	}
	out := make([]domain.SuspensionRecord, 0, len(vals))
	for _, v := range vals {
		var rec domain.SuspensionRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suspension record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(val string) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}


package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/types"
)

const (
	defaultTTL     = 72 * time.Hour
	defaultPrefix  = "agent"
	maxPutAttempts = 8
)

// Store keeps checkpoints in redis. Each (thread, namespace) line has a sorted
// set of checkpoint ids scored 0, so ZRANGEBYLEX yields id order.
type Store struct {
	client   *goredis.Client
	locks    checkpoint.KeyedMutex
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
	now      func() time.Time
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

// WithTTL sets the expiry refreshed on every write. Zero keeps keys forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) Put(ctx context.Context, threadID, namespace string, state *types.ConversationState, metadata checkpoint.Metadata, parentID string) (string, error) {
	if err := checkpoint.ValidateThread(threadID); err != nil {
		return "", err
	}
	if state == nil {
		state = types.NewConversationState()
	}

	unlock := s.locks.Lock(checkpoint.LineKey(threadID, namespace))
	defer unlock()

	idxKey := s.indexKey(threadID, namespace)
	var id string
	txf := func(tx *goredis.Tx) error {
		latest, err := s.latestID(ctx, tx, idxKey)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		id = checkpoint.NextID(latest, now)
		raw, err := json.Marshal(checkpoint.Checkpoint{
			ThreadID:  threadID,
			Namespace: namespace,
			ID:        id,
			ParentID:  parentID,
			State:     state,
			Metadata:  metadata,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, s.checkpointKey(threadID, namespace, id), string(raw), s.ttl)
			pipe.ZAdd(ctx, idxKey, goredis.Z{Score: 0, Member: id})
			pipe.SAdd(ctx, s.namespacesKey(threadID), namespace)
			pipe.SAdd(ctx, s.threadsKey(), threadID)
			if s.ttl > 0 {
				pipe.Expire(ctx, idxKey, s.ttl)
				pipe.Expire(ctx, s.namespacesKey(threadID), s.ttl)
			}
			return nil
		})
		return err
	}

	// WATCH guards against writers in other processes sharing the line.
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, idxKey)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return "", fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	return "", checkpoint.ErrConflict
}

func (s *Store) latestID(ctx context.Context, cmd goredis.Cmdable, idxKey string) (string, error) {
	ids, err := cmd.ZRevRangeByLex(ctx, idxKey, &goredis.ZRangeBy{Max: "+", Min: "-", Count: 1}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to load latest checkpoint id: %w", err)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

func (s *Store) Get(ctx context.Context, threadID, namespace, checkpointID string) (checkpoint.Tuple, error) {
	if checkpointID == "" {
		latest, err := s.latestID(ctx, s.client, s.indexKey(threadID, namespace))
		if err != nil {
			return checkpoint.Tuple{}, err
		}
		if latest == "" {
			return checkpoint.Tuple{}, checkpoint.ErrNotFound
		}
		checkpointID = latest
	}

	raw, err := s.client.Get(ctx, s.checkpointKey(threadID, namespace, checkpointID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return checkpoint.Tuple{}, checkpoint.ErrNotFound
		}
		return checkpoint.Tuple{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp, err := decodeCheckpoint(raw)
	if err != nil {
		return checkpoint.Tuple{}, err
	}

	items, err := s.client.LRange(ctx, s.writesKey(threadID, namespace, checkpointID), 0, -1).Result()
	if err != nil {
		return checkpoint.Tuple{}, fmt.Errorf("failed to load pending writes: %w", err)
	}
	writes := make([]checkpoint.PendingWrite, 0, len(items))
	for _, item := range items {
		var w checkpoint.PendingWrite
		if err := json.Unmarshal([]byte(item), &w); err != nil {
			return checkpoint.Tuple{}, fmt.Errorf("failed to decode pending write: %w", err)
		}
		writes = append(writes, w)
	}
	return checkpoint.Tuple{Checkpoint: cp, PendingWrites: checkpoint.NormalizeWrites(writes)}, nil
}

func (s *Store) List(ctx context.Context, threadID string, opts checkpoint.ListOptions) ([]checkpoint.Checkpoint, error) {
	upper := "+"
	if opts.Before != "" {
		upper = "(" + opts.Before
	}
	ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(threadID, opts.Namespace), &goredis.ZRangeBy{
		Max:   upper,
		Min:   "-",
		Count: int64(opts.Limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint ids: %w", err)
	}
	if len(ids) == 0 {
		return []checkpoint.Checkpoint{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(threadID, opts.Namespace, id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint values: %w", err)
	}
	out := make([]checkpoint.Checkpoint, 0, len(values))
	for _, raw := range values {
		str, ok := raw.(string)
		if !ok {
			// expired value with a live index entry
			continue
		}
		cp, err := decodeCheckpoint(str)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []checkpoint.Write, taskID string) error {
	exists, err := s.client.Exists(ctx, s.checkpointKey(threadID, namespace, checkpointID)).Result()
	if err != nil {
		return fmt.Errorf("failed to look up checkpoint: %w", err)
	}
	if exists == 0 {
		return checkpoint.ErrNotFound
	}

	key := s.writesKey(threadID, namespace, checkpointID)
	items := make([]any, 0, len(writes))
	for i, w := range writes {
		value := w.Value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		raw, err := json.Marshal(checkpoint.PendingWrite{
			ThreadID:     threadID,
			Namespace:    namespace,
			CheckpointID: checkpointID,
			TaskID:       taskID,
			Index:        i,
			Channel:      w.Channel,
			Value:        value,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal pending write: %w", err)
		}
		items = append(items, string(raw))
	}
	if len(items) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, items...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save pending writes: %w", err)
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	namespaces, err := s.client.SMembers(ctx, s.namespacesKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}

	keys := []string{s.namespacesKey(threadID)}
	for _, ns := range namespaces {
		idxKey := s.indexKey(threadID, ns)
		ids, err := s.client.ZRange(ctx, idxKey, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to list checkpoint ids: %w", err)
		}
		keys = append(keys, idxKey)
		for _, id := range ids {
			keys = append(keys, s.checkpointKey(threadID, ns, id), s.writesKey(threadID, ns, id))
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, s.threadsKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

func (s *Store) ListThreads(ctx context.Context) ([]string, error) {
	threads, err := s.client.SMembers(ctx, s.threadsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	sort.Strings(threads)
	return threads, nil
}

func (s *Store) ListNamespaces(ctx context.Context, threadID string) ([]string, error) {
	namespaces, err := s.client.SMembers(ctx, s.namespacesKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

// CachedLatest returns a tuple stored by CacheLatest.
func (s *Store) CachedLatest(ctx context.Context, threadID, namespace string) (checkpoint.Tuple, error) {
	raw, err := s.client.HGet(ctx, s.latestKey(threadID), namespace).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return checkpoint.Tuple{}, checkpoint.ErrNotFound
		}
		return checkpoint.Tuple{}, fmt.Errorf("failed to load cached checkpoint: %w", err)
	}
	var tuple checkpoint.Tuple
	if err := json.Unmarshal([]byte(raw), &tuple); err != nil {
		return checkpoint.Tuple{}, fmt.Errorf("failed to decode cached checkpoint: %w", err)
	}
	if tuple.Checkpoint.State == nil {
		tuple.Checkpoint.State = types.NewConversationState()
	}
	tuple.Checkpoint.State.EnsureDefaults()
	return tuple, nil
}

func (s *Store) CacheLatest(ctx context.Context, tuple checkpoint.Tuple) error {
	raw, err := json.Marshal(tuple)
	if err != nil {
		return fmt.Errorf("failed to marshal cached checkpoint: %w", err)
	}
	key := s.latestKey(tuple.Checkpoint.ThreadID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, tuple.Checkpoint.Namespace, string(raw))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache checkpoint: %w", err)
	}
	return nil
}

// InvalidateLatest drops cached tuples. With no namespaces, every namespace of
// the thread is dropped.
func (s *Store) InvalidateLatest(ctx context.Context, threadID string, namespaces ...string) error {
	var err error
	if len(namespaces) == 0 {
		err = s.client.Del(ctx, s.latestKey(threadID)).Err()
	} else {
		err = s.client.HDel(ctx, s.latestKey(threadID), namespaces...).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to invalidate cached checkpoint: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) checkpointKey(threadID, namespace, id string) string {
	return fmt.Sprintf("%s:ckpt:%s:%s:%s", s.prefix, threadID, namespace, id)
}

func (s *Store) indexKey(threadID, namespace string) string {
	return fmt.Sprintf("%s:ckptidx:%s:%s", s.prefix, threadID, namespace)
}

func (s *Store) writesKey(threadID, namespace, id string) string {
	return fmt.Sprintf("%s:writes:%s:%s:%s", s.prefix, threadID, namespace, id)
}

func (s *Store) namespacesKey(threadID string) string {
	return fmt.Sprintf("%s:ns:%s", s.prefix, threadID)
}

func (s *Store) latestKey(threadID string) string {
	return fmt.Sprintf("%s:latest:%s", s.prefix, threadID)
}

func (s *Store) threadsKey() string {
	return fmt.Sprintf("%s:threads", s.prefix)
}

func decodeCheckpoint(raw string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if cp.State == nil {
		cp.State = types.NewConversationState()
	}
	cp.State.EnsureDefaults()
	return cp, nil
}

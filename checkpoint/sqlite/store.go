package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/types"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	locks       checkpoint.KeyedMutex
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
	now         func() time.Time
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	s, err := NewWithDB(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already opened database and applies the schema.
func NewWithDB(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite db is required")
	}
	s := &Store{
		db:          db,
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := s.initialize(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, threadID, namespace string, state *types.ConversationState, metadata checkpoint.Metadata, parentID string) (string, error) {
	if err := checkpoint.ValidateThread(threadID); err != nil {
		return "", err
	}
	if state == nil {
		state = types.NewConversationState()
	}
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	metaRaw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}

	unlock := s.locks.Lock(checkpoint.LineKey(threadID, namespace))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullString
	const latestQ = `SELECT MAX(checkpoint_id) FROM checkpoints WHERE thread_id = ? AND namespace = ?;`
	if err := tx.QueryRowContext(ctx, latestQ, threadID, namespace).Scan(&latest); err != nil {
		return "", fmt.Errorf("failed to load latest checkpoint id: %w", err)
	}

	now := s.now().UTC()
	id := checkpoint.NextID(latest.String, now)

	const insertQ = `
INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_checkpoint_id, state, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	if _, err := tx.ExecContext(ctx, insertQ,
		threadID,
		namespace,
		id,
		nullIfEmpty(parentID),
		string(stateRaw),
		string(metaRaw),
		now.Format(time.RFC3339Nano),
	); err != nil {
		if isUniqueViolation(err) {
			return "", checkpoint.ErrConflict
		}
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, threadID, namespace, checkpointID string) (checkpoint.Tuple, error) {
	const byID = `
SELECT thread_id, namespace, checkpoint_id, parent_checkpoint_id, state, metadata, created_at
FROM checkpoints
WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?;
`
	const latest = `
SELECT thread_id, namespace, checkpoint_id, parent_checkpoint_id, state, metadata, created_at
FROM checkpoints
WHERE thread_id = ? AND namespace = ?
ORDER BY checkpoint_id DESC
LIMIT 1;
`
	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx, latest, threadID, namespace)
	} else {
		row = s.db.QueryRowContext(ctx, byID, threadID, namespace, checkpointID)
	}
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Tuple{}, checkpoint.ErrNotFound
		}
		return checkpoint.Tuple{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	writes, err := s.loadWrites(ctx, cp)
	if err != nil {
		return checkpoint.Tuple{}, err
	}
	return checkpoint.Tuple{Checkpoint: cp, PendingWrites: writes}, nil
}

func (s *Store) loadWrites(ctx context.Context, cp checkpoint.Checkpoint) ([]checkpoint.PendingWrite, error) {
	const q = `
SELECT task_id, idx, channel, value
FROM checkpoint_writes
WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?
ORDER BY idx ASC, seq ASC;
`
	rows, err := s.db.QueryContext(ctx, q, cp.ThreadID, cp.Namespace, cp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}
	defer rows.Close()

	out := []checkpoint.PendingWrite{}
	for rows.Next() {
		w := checkpoint.PendingWrite{ThreadID: cp.ThreadID, Namespace: cp.Namespace, CheckpointID: cp.ID}
		var value string
		if err := rows.Scan(&w.TaskID, &w.Index, &w.Channel, &value); err != nil {
			return nil, fmt.Errorf("failed to scan pending write: %w", err)
		}
		w.Value = json.RawMessage(value)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending writes: %w", err)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, threadID string, opts checkpoint.ListOptions) ([]checkpoint.Checkpoint, error) {
	sqlText := `
SELECT thread_id, namespace, checkpoint_id, parent_checkpoint_id, state, metadata, created_at
FROM checkpoints
WHERE thread_id = ? AND namespace = ?`
	args := []any{threadID, opts.Namespace}
	if opts.Before != "" {
		sqlText += " AND checkpoint_id < ?"
		args = append(args, opts.Before)
	}
	sqlText += " ORDER BY checkpoint_id DESC"
	if opts.Limit > 0 {
		sqlText += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	sqlText += ";"

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []checkpoint.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []checkpoint.Write, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin writes tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	const existsQ = `SELECT 1 FROM checkpoints WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?;`
	if err := tx.QueryRowContext(ctx, existsQ, threadID, namespace, checkpointID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.ErrNotFound
		}
		return fmt.Errorf("failed to look up checkpoint: %w", err)
	}

	const insertQ = `
INSERT OR REPLACE INTO checkpoint_writes (thread_id, namespace, checkpoint_id, task_id, idx, channel, value, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	now := s.now().UTC().Format(time.RFC3339Nano)
	for i, w := range writes {
		value := string(w.Value)
		if value == "" {
			value = "null"
		}
		if _, err := tx.ExecContext(ctx, insertQ, threadID, namespace, checkpointID, taskID, i, w.Channel, value, now); err != nil {
			return fmt.Errorf("failed to save pending write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending writes: %w", err)
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_writes WHERE thread_id = ?;`, threadID); err != nil {
		return fmt.Errorf("failed to delete pending writes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?;`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit thread delete: %w", err)
	}
	return nil
}

func (s *Store) Prune(ctx context.Context, threadID, namespace string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be >= 1")
	}
	unlock := s.locks.Lock(checkpoint.LineKey(threadID, namespace))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const pruneQ = `
DELETE FROM checkpoints
WHERE thread_id = ? AND namespace = ? AND checkpoint_id < (
  SELECT checkpoint_id FROM checkpoints
  WHERE thread_id = ? AND namespace = ?
  ORDER BY checkpoint_id DESC
  LIMIT 1 OFFSET ?
);
`
	res, err := tx.ExecContext(ctx, pruneQ, threadID, namespace, threadID, namespace, keep-1)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned checkpoints: %w", err)
	}

	const orphanQ = `
DELETE FROM checkpoint_writes
WHERE thread_id = ? AND namespace = ? AND checkpoint_id NOT IN (
  SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? AND namespace = ?
);
`
	if _, err := tx.ExecContext(ctx, orphanQ, threadID, namespace, threadID, namespace); err != nil {
		return 0, fmt.Errorf("failed to prune pending writes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return int(removed), nil
}

func (s *Store) ListThreads(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT DISTINCT thread_id FROM checkpoints ORDER BY thread_id;`)
}

func (s *Store) ListNamespaces(ctx context.Context, threadID string) ([]string, error) {
	return s.listStrings(ctx, `SELECT DISTINCT namespace FROM checkpoints WHERE thread_id = ? ORDER BY namespace;`, threadID)
}

func (s *Store) listStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		parent    sql.NullString
		stateRaw  string
		metaRaw   string
		createdAt string
	)
	if err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.ID, &parent, &stateRaw, &metaRaw, &createdAt); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp.ParentID = parent.String
	cp.State = &types.ConversationState{}
	if err := json.Unmarshal([]byte(stateRaw), cp.State); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	cp.State.EnsureDefaults()
	if strings.TrimSpace(metaRaw) != "" {
		if err := json.Unmarshal([]byte(metaRaw), &cp.Metadata); err != nil {
			return checkpoint.Checkpoint{}, fmt.Errorf("failed to decode checkpoint metadata: %w", err)
		}
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	cp.CreatedAt = created.UTC()
	return cp, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

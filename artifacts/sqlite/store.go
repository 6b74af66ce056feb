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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/agent-engine/artifacts"
	"github.com/PipeOpsHQ/agent-engine/types"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
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
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

const selectColumns = `artifact_id, thread_id, title, kind, content, version, metadata, created_at, updated_at`

func (s *Store) ListArtifacts(ctx context.Context, threadID string) ([]types.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM artifacts WHERE thread_id = ? ORDER BY seq ASC;`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	out := []types.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate artifacts: %w", err)
	}
	return out, nil
}

func (s *Store) GetArtifact(ctx context.Context, threadID, id string) (types.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM artifacts WHERE thread_id = ? AND artifact_id = ?;`, threadID, id)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Artifact{}, artifacts.ErrNotFound
		}
		return types.Artifact{}, err
	}
	return a, nil
}

func (s *Store) CreateArtifact(ctx context.Context, threadID string, draft artifacts.Draft) (types.Artifact, error) {
	if err := draft.Validate(); err != nil {
		return types.Artifact{}, err
	}
	now := time.Now().UTC()
	a := types.Artifact{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Title:     draft.Title,
		Kind:      draft.Kind,
		Content:   draft.Content,
		Version:   1,
		Metadata:  draft.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	metaRaw, err := marshalMetadata(a.Metadata)
	if err != nil {
		return types.Artifact{}, err
	}
	const q = `
INSERT INTO artifacts (thread_id, artifact_id, title, kind, content, version, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q,
		a.ThreadID, a.ID, a.Title, a.Kind, a.Content, a.Version, metaRaw,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return types.Artifact{}, fmt.Errorf("failed to create artifact: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateArtifact(ctx context.Context, threadID, id string, patch artifacts.Patch) (types.Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Artifact{}, fmt.Errorf("failed to begin artifact tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM artifacts WHERE thread_id = ? AND artifact_id = ?;`, threadID, id)
	current, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Artifact{}, artifacts.ErrNotFound
		}
		return types.Artifact{}, err
	}
	updated := patch.Apply(current)
	updated.UpdatedAt = time.Now().UTC()
	metaRaw, err := marshalMetadata(updated.Metadata)
	if err != nil {
		return types.Artifact{}, err
	}
	const q = `
UPDATE artifacts SET title = ?, content = ?, version = ?, metadata = ?, updated_at = ?
WHERE thread_id = ? AND artifact_id = ?;
`
	if _, err := tx.ExecContext(ctx, q,
		updated.Title, updated.Content, updated.Version, metaRaw, updated.UpdatedAt.Format(time.RFC3339Nano),
		threadID, id,
	); err != nil {
		return types.Artifact{}, fmt.Errorf("failed to update artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Artifact{}, fmt.Errorf("failed to commit artifact update: %w", err)
	}
	return updated, nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE thread_id = ?;`, threadID); err != nil {
		return fmt.Errorf("failed to delete artifacts: %w", err)
	}
	return nil
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

func scanArtifact(row scanner) (types.Artifact, error) {
	var (
		a                      types.Artifact
		metaRaw                string
		createdRaw, updatedRaw string
	)
	if err := row.Scan(&a.ID, &a.ThreadID, &a.Title, &a.Kind, &a.Content, &a.Version, &metaRaw, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Artifact{}, err
		}
		return types.Artifact{}, fmt.Errorf("failed to scan artifact: %w", err)
	}
	if metaRaw != "" && metaRaw != "null" {
		if err := json.Unmarshal([]byte(metaRaw), &a.Metadata); err != nil {
			return types.Artifact{}, fmt.Errorf("failed to decode artifact metadata: %w", err)
		}
	}
	var err error
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw); err != nil {
		return types.Artifact{}, fmt.Errorf("failed to parse artifact created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedRaw); err != nil {
		return types.Artifact{}, fmt.Errorf("failed to parse artifact updated_at: %w", err)
	}
	return a, nil
}

func marshalMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}
	return string(raw), nil
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/checkpoint/checkpointtest"
	"github.com/PipeOpsHQ/agent-engine/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSQLiteStore_Conformance(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Store {
		return newTestStore(t)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	first, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st := types.NewConversationState()
	st.Append(types.UserMessage("hello"))
	id, err := first.Put(ctx, "t1", "", st, checkpoint.Metadata{Source: checkpoint.SourceInput, RunID: "run-1"}, "")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()
	tuple, err := second.Get(ctx, "t1", "", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if tuple.Checkpoint.ID != id || tuple.Checkpoint.Metadata.RunID != "run-1" || tuple.Checkpoint.Metadata.Source != checkpoint.SourceInput {
		t.Fatalf("unexpected checkpoint after reopen: %+v", tuple.Checkpoint)
	}
}

func TestSQLiteStore_PruneAndThreads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := s.Put(ctx, "t1", "", nil, checkpoint.Metadata{Step: i}, "")
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids = append(ids, id)
	}
	if err := s.PutWrites(ctx, "t1", "", ids[0], []checkpoint.Write{{Channel: "c", Value: []byte(`1`)}}, "task"); err != nil {
		t.Fatalf("PutWrites failed: %v", err)
	}
	if _, err := s.Put(ctx, "t2", "side", nil, checkpoint.Metadata{}, ""); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	removed, err := s.Prune(ctx, "t1", "", 1)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	list, err := s.List(ctx, "t1", checkpoint.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != ids[3] {
		t.Fatalf("unexpected remaining checkpoints: %+v", list)
	}
	var orphans int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoint_writes;`).Scan(&orphans); err != nil {
		t.Fatalf("count writes failed: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected pruned writes removed, got %d", orphans)
	}

	removed, err = s.Prune(ctx, "t1", "", 5)
	if err != nil || removed != 0 {
		t.Fatalf("expected no-op prune, got %d, %v", removed, err)
	}

	threads, err := s.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(threads) != 2 || threads[0] != "t1" || threads[1] != "t2" {
		t.Fatalf("unexpected threads: %v", threads)
	}
	namespaces, err := s.ListNamespaces(ctx, "t2")
	if err != nil {
		t.Fatalf("ListNamespaces failed: %v", err)
	}
	if len(namespaces) != 1 || namespaces[0] != "side" {
		t.Fatalf("unexpected namespaces: %v", namespaces)
	}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoints").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewWithDB(db, WithWAL(false), WithBusyTimeout(0))
	if err != nil {
		t.Fatalf("NewWithDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return s, mock
}

func TestSQLiteStore_PutPropagatesQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT MAX\(checkpoint_id\) FROM checkpoints`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), "t1", "", types.NewConversationState(), checkpoint.Metadata{}, "")
	if err == nil || !strings.Contains(err.Error(), "failed to load latest checkpoint id") {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLiteStore_PutMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT MAX\(checkpoint_id\) FROM checkpoints`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO checkpoints").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: checkpoints.checkpoint_id"))
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), "t1", "", nil, checkpoint.Metadata{}, "")
	if !errors.Is(err, checkpoint.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSQLiteStore_GetDistinguishesFailures(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM checkpoints").WillReturnError(errors.New("database is locked"))

	_, err := s.Get(context.Background(), "t1", "", "")
	if err == nil || errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected a non-NotFound error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

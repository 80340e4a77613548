package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/errs"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps persistent memories in a single SQLite file. Similarity
// is computed in process over one agent's rows.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, goerr.Wrap(err, "create db dir", goerr.V("path", dbPath))
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite", goerr.V("path", dbPath))
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return goerr.Wrap(err, "sqlite pragma", goerr.V("pragma", p))
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_memories (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB NOT NULL,
			importance REAL NOT NULL CHECK (importance >= 0 AND importance <= 1),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memories_recent ON agent_memories(agent_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memories_importance ON agent_memories(agent_id, importance DESC, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return goerr.Wrap(err, "init schema")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	blob, err := EncodeVector(rec.Embedding)
	if err != nil {
		return goerr.Wrap(err, "insert memory", goerr.V("id", rec.ID))
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return goerr.Wrap(err, "marshal metadata", goerr.V("id", rec.ID))
	}
	if rec.Metadata == nil {
		meta = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_memories (id, agent_id, content, metadata, embedding, importance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.AgentID, rec.Content, string(meta), blob, rec.Importance,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return goerr.Wrap(err, "insert memory", goerr.V("id", rec.ID), goerr.V("agent_id", rec.AgentID))
	}
	return nil
}

const selectColumns = `id, agent_id, content, metadata, embedding, importance, created_at, updated_at`

func (s *SQLiteStore) Recent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	q := `SELECT ` + selectColumns + ` FROM agent_memories WHERE agent_id = ? ORDER BY created_at DESC, seq DESC`
	args := []any{agentID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "query recent memories", goerr.V("agent_id", agentID))
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) Important(ctx context.Context, agentID string, min float64, limit int) ([]Record, error) {
	q := `SELECT ` + selectColumns + ` FROM agent_memories
		WHERE agent_id = ? AND importance >= ?
		ORDER BY importance DESC, created_at DESC, seq DESC`
	args := []any{agentID, min}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "query important memories", goerr.V("agent_id", agentID))
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) Nearest(ctx context.Context, agentID string, query []float32, limit int) ([]ScoredRecord, error) {
	records, err := s.Recent(ctx, agentID, 0)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredRecord, 0, len(records))
	for _, rec := range records {
		sim, err := CosineSimilarity(query, rec.Embedding)
		if err != nil {
			// rows written under a different embedding dimension are not comparable
			continue
		}
		scored = append(scored, ScoredRecord{Record: rec, Similarity: sim})
	}
	sortScored(scored)
	return limitRecords(scored, limit), nil
}

func (s *SQLiteStore) UpdateImportance(ctx context.Context, agentID, id string, importance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_memories SET importance = ?, updated_at = ?
		WHERE agent_id = ? AND id = ?
	`, importance, time.Now().UnixNano(), agentID, id)
	if err != nil {
		return goerr.Wrap(err, "update importance", goerr.V("id", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goerr.Wrap(errs.ErrNotFound, "update importance", goerr.V("id", id), goerr.V("agent_id", agentID))
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, agentID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, goerr.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	args := make([]any, 0, len(ids)+1)
	args = append(args, agentID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM agent_memories WHERE agent_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, goerr.Wrap(err, "delete memories", goerr.V("agent_id", agentID))
	}
	if err := tx.Commit(); err != nil {
		return 0, goerr.Wrap(err, "commit delete")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	result := make([]Record, 0)
	for rows.Next() {
		var (
			rec                  Record
			meta                 string
			blob                 []byte
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Content, &meta, &blob, &rec.Importance, &createdAt, &updatedAt); err != nil {
			return nil, goerr.Wrap(err, "scan memory")
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, goerr.Wrap(err, "decode embedding", goerr.V("id", rec.ID))
		}
		rec.Embedding = vec
		if meta != "" && meta != "{}" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, goerr.Wrap(err, "decode metadata", goerr.V("id", rec.ID))
			}
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate memories")
	}
	return result, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// Package recall keeps messages folded out of working memory in SQLite so
// they can be searched later.
package recall

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/stellarlinkco/membound/internal/memory"
	_ "modernc.org/sqlite"
)

const (
	defaultSearchLimit = 10
	schemaVersion      = 1

	// Fixed width so message_ts sorts lexically.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store is a memory.LongTermStore backed by one SQLite file. With an
// Embedder it ranks by cosine similarity; without one, or when a query
// cannot be embedded, it falls back to FTS5 keyword ranking.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	embedder       Embedder
	embeddingModel string
	timeout        time.Duration
}

var _ memory.LongTermStore = (*Store)(nil)

// Options configures optional embedding support.
type Options struct {
	Embedder       Embedder
	EmbeddingModel string
	// EmbedTimeout bounds each embedding call made on behalf of Index, Search and Backfill.
	EmbedTimeout time.Duration
}

func Open(dbPath string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{
		db:             db,
		embedder:       opts.Embedder,
		embeddingModel: strings.TrimSpace(opts.EmbeddingModel),
		timeout:        opts.EmbedTimeout,
	}
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

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recollections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			summary_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			message_ts TEXT NOT NULL DEFAULT '',
			embedding BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			embedding_dim INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recollections_session ON recollections(session_id, message_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_recollections_summary ON recollections(summary_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS recollections_fts USING fts5(
			content,
			content='recollections',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS recollections_ai AFTER INSERT ON recollections BEGIN
			INSERT INTO recollections_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS recollections_ad AFTER DELETE ON recollections BEGIN
			INSERT INTO recollections_fts(recollections_fts, rowid, content) VALUES('delete', old.id, old.content);
		END`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Index stores msgs under sessionID and summaryID. Blank messages are
// skipped. If embedding fails the rows are stored without vectors and
// Backfill can fill them in later.
func (s *Store) Index(ctx context.Context, sessionID, summaryID string, msgs []memory.Message) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("index: missing session id")
	}
	keep := make([]memory.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		return nil
	}

	blobs := s.embedAll(ctx, keep)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recollections (session_id, summary_id, role, content, task_id, message_ts, embedding, embedding_model, embedding_dim)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare index: %w", err)
	}
	defer stmt.Close()

	for i, m := range keep {
		var blob any
		model, dim := "", 0
		if blobs != nil && blobs[i] != nil {
			blob = blobs[i].data
			model, dim = s.embeddingModel, blobs[i].dim
		}
		if _, err := stmt.ExecContext(ctx,
			sessionID,
			strings.TrimSpace(summaryID),
			string(m.Role),
			strings.TrimSpace(m.Content),
			strings.TrimSpace(m.TaskID),
			formatTime(m.Timestamp),
			blob, model, dim,
		); err != nil {
			return fmt.Errorf("insert recollection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

type encodedVector struct {
	data []byte
	dim  int
}

func (s *Store) embedAll(ctx context.Context, msgs []memory.Message) []*encodedVector {
	if s.embedder == nil {
		return nil
	}
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}

	embedCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	vectors, err := s.embedder.EmbedBatch(embedCtx, texts)
	if err != nil {
		log.Printf("[recall] embed batch failed, storing without vectors: %v", err)
		return nil
	}
	if len(vectors) != len(msgs) {
		log.Printf("[recall] embed batch count mismatch: got %d want %d", len(vectors), len(msgs))
		return nil
	}

	out := make([]*encodedVector, len(vectors))
	for i, v := range vectors {
		blob, err := EncodeVector(v)
		if err != nil {
			log.Printf("[recall] skip vector %d: %v", i, err)
			continue
		}
		out[i] = &encodedVector{data: blob, dim: len(v)}
	}
	return out
}

// Search returns at most limit recollections for query, best first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]memory.Recollection, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	if s.embedder != nil {
		results, err := s.searchVector(ctx, query, limit)
		if err != nil {
			log.Printf("[recall] vector search failed, using keyword search: %v", err)
		} else if len(results) > 0 {
			return results, nil
		}
	}
	return s.searchFTS(ctx, query, limit)
}

func (s *Store) searchVector(ctx context.Context, query string, limit int) ([]memory.Recollection, error) {
	embedCtx, cancel := s.withTimeout(ctx)
	qv, err := s.embedder.Embed(embedCtx, query)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, summary_id, role, content, message_ts, embedding
		FROM recollections
		WHERE embedding IS NOT NULL AND embedding_dim = ?
	`, len(qv))
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	results := make([]memory.Recollection, 0)
	for rows.Next() {
		var r memory.Recollection
		var role, ts string
		var blob []byte
		if err := rows.Scan(&r.SessionID, &r.SummaryID, &role, &r.Content, &ts, &blob); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		score, err := CosineSimilarity(qv, vec)
		if err != nil {
			continue
		}
		r.Role = memory.Role(role)
		r.Timestamp = parseTime(ts)
		r.Score = score
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) searchFTS(ctx context.Context, query string, limit int) ([]memory.Recollection, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.session_id, r.summary_id, r.role, r.content, r.message_ts, bm25(recollections_fts)
		FROM recollections r
		JOIN recollections_fts f ON r.id = f.rowid
		WHERE recollections_fts MATCH ?
		ORDER BY bm25(recollections_fts), r.id DESC
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()

	results := make([]memory.Recollection, 0)
	for rows.Next() {
		var r memory.Recollection
		var role, ts string
		var rank float64
		if err := rows.Scan(&r.SessionID, &r.SummaryID, &role, &r.Content, &ts, &rank); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		r.Role = memory.Role(role)
		r.Timestamp = parseTime(ts)
		// bm25 is lower-is-better and negative for matches.
		r.Score = -rank
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fts rows: %w", err)
	}
	return results, nil
}

// ftsQuery turns free text into an FTS5 expression that cannot fail to
// parse: every word is quoted and the words are OR-ed.
func ftsQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, `"`+w+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// Stats summarizes what the store holds.
type Stats struct {
	Recollections int
	Sessions      int
	Embedded      int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
		       COUNT(DISTINCT session_id),
		       COALESCE(SUM(CASE WHEN embedding IS NOT NULL AND embedding_dim > 0 THEN 1 ELSE 0 END), 0)
		FROM recollections
	`)
	if err := row.Scan(&st.Recollections, &st.Sessions, &st.Embedded); err != nil {
		return Stats{}, fmt.Errorf("recall stats: %w", err)
	}
	return st, nil
}

// Session returns everything indexed for sessionID in message order.
func (s *Store) Session(ctx context.Context, sessionID string) ([]memory.Recollection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, summary_id, role, content, message_ts
		FROM recollections
		WHERE session_id = ?
		ORDER BY message_ts ASC, id ASC
	`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	results := make([]memory.Recollection, 0)
	for rows.Next() {
		var r memory.Recollection
		var role, ts string
		if err := rows.Scan(&r.SessionID, &r.SummaryID, &role, &r.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		r.Role = memory.Role(role)
		r.Timestamp = parseTime(ts)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return results, nil
}

func (s *Store) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if s.timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, s.timeout)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

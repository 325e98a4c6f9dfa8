package memoryd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one stored memory row.
type Record struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Score     float64                `json:"score,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`

	embedding []float32
}

// StoreOptions tune deduplication and ranking.
type StoreOptions struct {
	DedupThreshold float64 // cosine similarity at or above which an insert merges, default 0.92
	DedupWindow    int     // recent memories scanned for duplicates, default 50
	HalfLifeDays   float64 // recency decay half-life, default 30
	EmbeddingDim   int     // default 256
}

func (o *StoreOptions) fill() {
	if o.DedupThreshold <= 0 {
		o.DedupThreshold = 0.92
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 50
	}
	if o.HalfLifeDays <= 0 {
		o.HalfLifeDays = 30
	}
	if o.EmbeddingDim <= 0 {
		o.EmbeddingDim = 256
	}
}

// Store persists memories in sqlite.
type Store struct {
	db   *sql.DB
	opts StoreOptions
	now  func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	embedding  TEXT,
	metadata   TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS session_links (
	session_id TEXT NOT NULL,
	memory_id  TEXT NOT NULL,
	PRIMARY KEY (session_id, memory_id)
);
`

// OpenStore opens (or creates) the sqlite database at path. Use ":memory:"
// for tests.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	opts.fill()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &Store{db: db, opts: opts, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Add inserts a memory, merging into a recent near-duplicate when cosine
// similarity meets the threshold. Returns the record id and whether the
// insert was merged.
func (s *Store) Add(ctx context.Context, userID, content string, metadata map[string]interface{}, sessionID string) (string, bool, error) {
	emb := Embed(content, s.opts.EmbeddingDim)

	recent, err := s.recent(ctx, userID, s.opts.DedupWindow)
	if err != nil {
		return "", false, err
	}
	for _, rec := range recent {
		if Cosine(emb, rec.embedding) >= s.opts.DedupThreshold {
			now := s.now()
			if _, err := s.db.ExecContext(ctx,
				`UPDATE memories SET content = ?, embedding = ?, updated_at = ? WHERE id = ?`,
				content, encodeVec(emb), now.UnixMilli(), rec.ID); err != nil {
				return "", false, err
			}
			if err := s.linkSession(ctx, sessionID, rec.ID); err != nil {
				return "", false, err
			}
			return rec.ID, true, nil
		}
	}

	id := uuid.NewString()
	now := s.now()
	metaJSON := "{}"
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			metaJSON = string(raw)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, content, embedding, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, content, encodeVec(emb), metaJSON, now.UnixMilli(), now.UnixMilli()); err != nil {
		return "", false, err
	}
	if err := s.linkSession(ctx, sessionID, id); err != nil {
		return "", false, err
	}
	return id, false, nil
}

func (s *Store) linkSession(ctx context.Context, sessionID, memoryID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_links (session_id, memory_id) VALUES (?, ?)`,
		sessionID, memoryID)
	return err
}

// Search ranks a user's memories by 0.7·cosine + 0.3·decay(age). An empty
// query returns the most recent limit entries; when the query embeds to a
// zero vector, substring matching with a decay-only score applies.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}
	if query == "" {
		return s.ListByUser(ctx, userID, limit)
	}

	all, err := s.recent(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	qEmb := Embed(query, s.opts.EmbeddingDim)
	useEmbedding := !isZero(qEmb)
	now := s.now()

	var scored []Record
	for _, rec := range all {
		ageDays := now.Sub(rec.CreatedAt).Hours() / 24
		rec.Score = 0
		if useEmbedding && len(rec.embedding) > 0 {
			rec.Score = 0.7*Cosine(qEmb, rec.embedding) + 0.3*decay(ageDays, s.opts.HalfLifeDays)
		} else if strings.Contains(strings.ToLower(rec.Content), strings.ToLower(query)) {
			rec.Score = decay(ageDays, s.opts.HalfLifeDays)
		} else {
			continue
		}
		scored = append(scored, rec)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// ListByUser returns a user's memories, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT id, user_id, content, embedding, metadata, created_at, updated_at
		 FROM memories WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
}

// BySession returns memories linked to a session.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]Record, error) {
	return s.query(ctx,
		`SELECT m.id, m.user_id, m.content, m.embedding, m.metadata, m.created_at, m.updated_at
		 FROM memories m JOIN session_links l ON l.memory_id = m.id
		 WHERE l.session_id = ? ORDER BY m.created_at DESC`,
		sessionID)
}

// Delete removes a memory and its session links.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_links WHERE memory_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Reset clears one user's memories, or everything when userID is empty.
func (s *Store) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM session_links`); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, `DELETE FROM memories`)
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_links WHERE memory_id IN (SELECT id FROM memories WHERE user_id = ?)`,
		userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID)
	return err
}

// Stats returns row counts and the on-disk page footprint.
func (s *Store) Stats(ctx context.Context) (memories, users int, dbBytes int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT user_id) FROM memories`).Scan(&memories, &users); err != nil {
		return
	}
	var pageCount, pageSize int64
	if err = s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return
	}
	if err = s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return
	}
	dbBytes = pageCount * pageSize
	return
}

// recent returns a user's memories newest first; limit 0 means all.
func (s *Store) recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	q := `SELECT id, user_id, content, embedding, metadata, created_at, updated_at
	      FROM memories WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var embJSON, metaJSON sql.NullString
		var createdMs, updatedMs int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Content, &embJSON, &metaJSON, &createdMs, &updatedMs); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdMs)
		rec.UpdatedAt = time.UnixMilli(updatedMs)
		if embJSON.Valid {
			rec.embedding = decodeVec(embJSON.String)
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "{}" {
			_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeVec(vec []float32) string {
	raw, _ := json.Marshal(vec)
	return string(raw)
}

func decodeVec(s string) []float32 {
	var vec []float32
	_ = json.Unmarshal([]byte(s), &vec)
	return vec
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// trigram tokens need at least three runes.
const minTermRunes = 3

// maxQueryWindows bounds the MATCH expression for long questions.
const maxQueryWindows = 32

// SQLiteIndex implements Index with an FTS5 trigram table, which matches CJK
// substrings without a word segmenter.
type SQLiteIndex struct {
	db   *sql.DB
	opts ChunkOptions

	mu      sync.Mutex
	entropy *rand.Rand
}

var _ Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex opens or creates the index database at dbPath.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("knowledge: open db: %w", err)
	}

	idx := &SQLiteIndex{
		db:      db,
		opts:    DefaultChunkOptions(),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: migrate: %w", err)
	}
	return idx, nil
}

func (x *SQLiteIndex) newID() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), x.entropy).String()
}

func (x *SQLiteIndex) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL REFERENCES collections(id),
		title         TEXT NOT NULL,
		content       TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection_id, created_at);

	CREATE TABLE IF NOT EXISTS chunks (
		id            TEXT PRIMARY KEY,
		document_id   TEXT NOT NULL REFERENCES documents(id),
		collection_id TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		text          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		text,
		content=chunks,
		content_rowid=rowid,
		tokenize='trigram'
	);

	CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
		INSERT INTO chunks_fts(rowid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
		INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.rowid, old.text);
	END;
	`
	_, err := x.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

// CreateCollection implements Index. Names are informational; every call creates a
// new collection.
func (x *SQLiteIndex) CreateCollection(ctx context.Context, name string) (string, error) {
	id := x.newID()
	_, err := x.db.ExecContext(ctx,
		`INSERT INTO collections (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("knowledge: create collection: %w", err)
	}
	return id, nil
}

// AddDocument implements Index.
func (x *SQLiteIndex) AddDocument(ctx context.Context, handle, title, content string) (Document, error) {
	chunks := Chunk(content, x.opts)
	if len(chunks) == 0 {
		return Document{}, errors.New("knowledge: document content is empty")
	}

	doc := Document{
		ID:         x.newID(),
		Title:      strings.TrimSpace(title),
		Content:    strings.TrimSpace(content),
		ChunkCount: len(chunks),
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("knowledge: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, collection_id, title, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, handle, doc.Title, doc.Content, doc.CreatedAt.Format(timeLayout)); err != nil {
		return Document{}, fmt.Errorf("knowledge: insert document: %w", err)
	}
	for i, text := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, collection_id, seq, text) VALUES (?, ?, ?, ?, ?)`,
			x.newID(), doc.ID, handle, i, text); err != nil {
			return Document{}, fmt.Errorf("knowledge: insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("knowledge: commit: %w", err)
	}
	return doc, nil
}

// ListDocuments implements Index. Content is omitted.
func (x *SQLiteIndex) ListDocuments(ctx context.Context, handle string) ([]Document, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.created_at, COUNT(c.id)
		FROM documents d LEFT JOIN chunks c ON c.document_id = d.id
		WHERE d.collection_id = ?
		GROUP BY d.id
		ORDER BY d.created_at DESC`, handle)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var d Document
		var created string
		if err := rows.Scan(&d.ID, &d.Title, &created, &d.ChunkCount); err != nil {
			return nil, fmt.Errorf("knowledge: scan document: %w", err)
		}
		d.CreatedAt, _ = time.Parse(timeLayout, created)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument implements Index.
func (x *SQLiteIndex) DeleteDocument(ctx context.Context, handle, documentID string) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("knowledge: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND collection_id = ?`, documentID, handle); err != nil {
		return fmt.Errorf("knowledge: delete chunks: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE id = ? AND collection_id = ?`, documentID, handle)
	if err != nil {
		return fmt.Errorf("knowledge: delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return tx.Commit()
}

// Search implements Index. Trigram MATCH ranked by bm25 runs first; when the query has
// no usable trigram or nothing matches, a substring LIKE scan fills in.
func (x *SQLiteIndex) Search(ctx context.Context, handle, query string, limit int) ([]Passage, error) {
	if limit <= 0 {
		limit = 8
	}
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var out []Passage
	if expr := matchExpression(terms); expr != "" {
		rows, err := x.db.QueryContext(ctx, `
			SELECT c.document_id, d.title, c.text
			FROM chunks_fts
			JOIN chunks c ON c.rowid = chunks_fts.rowid
			JOIN documents d ON d.id = c.document_id
			WHERE chunks_fts MATCH ? AND c.collection_id = ?
			ORDER BY bm25(chunks_fts)
			LIMIT ?`, expr, handle, limit)
		if err != nil {
			return nil, fmt.Errorf("knowledge: match: %w", err)
		}
		out, err = scanPassages(rows)
		if err != nil {
			return nil, err
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	patterns := likePatterns(terms)
	where := make([]string, 0, len(patterns))
	args := []any{handle}
	for _, t := range patterns {
		where = append(where, "c.text LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(t)+"%")
	}
	args = append(args, limit)
	rows, err := x.db.QueryContext(ctx, `
		SELECT c.document_id, d.title, c.text
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.collection_id = ? AND (`+strings.Join(where, " OR ")+`)
		ORDER BY d.created_at DESC, c.seq ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: like: %w", err)
	}
	return scanPassages(rows)
}

func scanPassages(rows *sql.Rows) ([]Passage, error) {
	defer rows.Close()
	var out []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.DocumentID, &p.Title, &p.Text); err != nil {
			return nil, fmt.Errorf("knowledge: scan passage: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// searchTerms splits a query on whitespace and punctuation.
func searchTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// matchExpression ORs three-rune windows of every term long enough for trigram.
func matchExpression(terms []string) string {
	var windows []string
	seen := map[string]bool{}
	for _, t := range terms {
		if utf8.RuneCountInString(t) < minTermRunes {
			continue
		}
		runes := []rune(t)
		for i := 0; i+minTermRunes <= len(runes) && len(windows) < maxQueryWindows; i++ {
			w := string(runes[i : i+minTermRunes])
			if seen[w] {
				continue
			}
			seen[w] = true
			windows = append(windows, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
		}
	}
	return strings.Join(windows, " OR ")
}

// likePatterns uses two-rune windows so short CJK words inside longer questions
// still hit ("售價多少" finds "售價").
func likePatterns(terms []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] && len(out) < maxQueryWindows {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, t := range terms {
		runes := []rune(t)
		if len(runes) <= 2 {
			add(t)
			continue
		}
		for i := 0; i+2 <= len(runes); i++ {
			add(string(runes[i : i+2]))
		}
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

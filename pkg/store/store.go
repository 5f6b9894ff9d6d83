// Package store implements the Evidence Store (spec.md §4.1): a
// content-addressed snippet index with FTS and dedupe, backed by a
// WAL-mode SQLite database (modernc.org/sqlite, driven through sqlx),
// with schema migrations applied via goose. The pool holds one connection,
// so writes are serialized and reads wait for that same connection; reads
// do not run in parallel.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"

	"github.com/spec-harvester/harvester/pkg/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite-shaped evidence store described in spec.md
// §4.1/§5. Its sql.DB is capped at one open connection, which serializes
// every statement, reads included; WAL mode is enabled, but no second
// connection exists to read alongside the writer.
type Store struct {
	DB *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer invariant from spec.md §5

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// PutStatus is the outcome of Put, mirroring spec.md §4.1's event names.
type PutStatus string

const (
	StatusNew     PutStatus = "indexed_new"
	StatusReused  PutStatus = "dedupe_hit"
	StatusUpdated PutStatus = "dedupe_updated"
)

// normalizeSnippet collapses whitespace the way content-hash comparisons
// need to, so near-identical whitespace doesn't defeat dedupe.
func normalizeSnippet(text string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// contentHash is the stable SHA-256 hash of normalized snippet text that
// snippet_id is derived from (testable property in spec.md §8:
// content_hash(a1) = content_hash(a2) ⇒ snippet_id(a1) = snippet_id(a2)).
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(normalizeSnippet(text)))
	return hex.EncodeToString(sum[:])
}

// Put indexes snippetText under sourceID, deduplicating identical
// normalized text across sources (spec.md §4.1).
func (s *Store) Put(ctx context.Context, sourceID, snippetText string) (snippetID string, status PutStatus, err error) {
	snippetID = contentHash(snippetText)

	var existing string
	err = s.DB.GetContext(ctx, &existing, `SELECT text FROM snippets WHERE snippet_id = ?`, snippetID)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.DB.ExecContext(ctx,
			`INSERT INTO snippets (snippet_id, text, created_at) VALUES (?, ?, ?)`,
			snippetID, snippetText, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return "", "", fmt.Errorf("store: insert snippet: %w", err)
		}
		return snippetID, StatusNew, nil
	case err != nil:
		return "", "", fmt.Errorf("store: lookup snippet: %w", err)
	case existing == snippetText:
		return snippetID, StatusReused, nil
	default:
		// Same hash, different raw text (pre-normalization drift): keep the
		// newer text, same id, caller sees it as an update.
		_, err = s.DB.ExecContext(ctx, `UPDATE snippets SET text = ? WHERE snippet_id = ?`, snippetText, snippetID)
		if err != nil {
			return "", "", fmt.Errorf("store: update snippet: %w", err)
		}
		return snippetID, StatusUpdated, nil
	}
}

// Scope bounds a Search/ListDocuments query.
type Scope struct {
	RunID      string
	ProductID  string
	Category   string
}

// Hit is one Search result.
type Hit struct {
	FieldKey  string
	AssertionID string
	Tier      domain.Tier
	Quote     string
	Preview   string
}

// Search runs a full-text query over indexed snippets, scoped to a run,
// product, or category. When the FTS5 query fails (for example, a MATCH
// expression it rejects), it falls back to a case-insensitive substring
// scan ranked by term count, matching spec.md §4.1's stated fallback. The
// migration creates the FTS5 table, so Open fails on a driver without it.
func (s *Store) Search(ctx context.Context, query string, scope Scope, limit int) ([]Hit, error) {
	hits, err := s.searchFTS(ctx, query, scope, limit)
	if err == nil {
		return hits, nil
	}
	return s.searchSubstring(ctx, query, scope, limit)
}

// scopeClause renders scope as SQL predicates over the sources (alias s)
// and runs (alias r) joins shared by both search paths and ListDocuments.
func scopeClause(scope Scope) (clause string, args []any) {
	if scope.RunID != "" {
		clause += " AND s.run_id = ?"
		args = append(args, scope.RunID)
	}
	if scope.ProductID != "" {
		clause += " AND r.product_id = ?"
		args = append(args, scope.ProductID)
	}
	if scope.Category != "" {
		clause += " AND r.category = ?"
		args = append(args, scope.Category)
	}
	return clause, args
}

func (s *Store) searchFTS(ctx context.Context, query string, scope Scope, limit int) ([]Hit, error) {
	q := `
		SELECT a.field_key, a.assertion_id, s.tier, e.quote, snippet(snippets_fts, 0, '[', ']', '...', 10)
		FROM snippets_fts
		JOIN snippets ON snippets.rowid = snippets_fts.rowid
		JOIN evidence_refs e ON e.snippet_id = snippets.snippet_id
		JOIN assertions a ON a.assertion_id = e.assertion_id
		JOIN sources s ON s.source_id = e.source_id
		JOIN runs r ON r.run_id = s.run_id
		WHERE snippets_fts MATCH ?`
	args := []any{query}
	clause, scopeArgs := scopeClause(scope)
	q += clause
	args = append(args, scopeArgs...)
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.FieldKey, &h.AssertionID, &h.Tier, &h.Quote, &h.Preview); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Store) searchSubstring(ctx context.Context, query string, scope Scope, limit int) ([]Hit, error) {
	terms := strings.Fields(strings.ToLower(query))
	q := `
		SELECT a.field_key, a.assertion_id, s.tier, e.quote, snippets.text
		FROM snippets
		JOIN evidence_refs e ON e.snippet_id = snippets.snippet_id
		JOIN assertions a ON a.assertion_id = e.assertion_id
		JOIN sources s ON s.source_id = e.source_id
		JOIN runs r ON r.run_id = s.run_id
		WHERE 1=1`
	clause, args := scopeClause(scope)
	q += clause

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: substring fallback: %w", err)
	}
	defer rows.Close()

	type scored struct {
		Hit
		score int
	}
	var all []scored
	for rows.Next() {
		var h Hit
		var text string
		if err := rows.Scan(&h.FieldKey, &h.AssertionID, &h.Tier, &h.Quote, &text); err != nil {
			return nil, err
		}
		lower := strings.ToLower(text)
		score := 0
		for _, t := range terms {
			score += strings.Count(lower, t)
		}
		if score == 0 {
			continue
		}
		h.Preview = text
		all = append(all, scored{Hit: h, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// simple insertion sort by score desc; result sets here are small
	// (single-run scope), so this avoids pulling in sort for one path.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].score > all[j-1].score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]Hit, len(all))
	for i, a := range all {
		out[i] = a.Hit
	}
	return out, nil
}

// DocumentSummary is one ListDocuments row.
type DocumentSummary struct {
	SourceID     string
	URL          string
	ArtifactCount int
	UniqueHashCount int
}

// ListDocuments returns per-source artifact and unique-hash counts within
// scope (spec.md §4.1).
func (s *Store) ListDocuments(ctx context.Context, scope Scope) ([]DocumentSummary, error) {
	query := `
		SELECT s.source_id, s.url, COUNT(ar.artifact_id), COUNT(DISTINCT ar.content_hash)
		FROM sources s
		JOIN runs r ON r.run_id = s.run_id
		LEFT JOIN artifacts ar ON ar.source_id = s.source_id
		WHERE 1=1`
	clause, args := scopeClause(scope)
	query += clause
	query += " GROUP BY s.source_id, s.url"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		if err := rows.Scan(&d.SourceID, &d.URL, &d.ArtifactCount, &d.UniqueHashCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutArtifact inserts an Artifact row, quarantining it (evidence_broken on
// the owning assertion, row still retained) if its content hash does not
// match the computed hash of its body — spec.md §4.1's failure mode,
// applied at the artifact layer since that's where corruption would
// surface. Artifacts are append-only (invariant 8): rewrites insert a new
// row rather than updating.
func (s *Store) PutArtifact(ctx context.Context, a domain.Artifact) (quarantined bool, err error) {
	sum := sha256.Sum256(a.Body)
	computed := hex.EncodeToString(sum[:])
	quarantined = a.ContentHash != "" && a.ContentHash != computed
	hash := a.ContentHash
	if hash == "" {
		hash = computed
	}
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.NewString()
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, source_id, kind, path, content_hash, mime, size) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.SourceID, string(a.Kind), a.Path, hash, a.MIME, a.Size)
	if err != nil {
		return quarantined, fmt.Errorf("store: insert artifact: %w", err)
	}
	return quarantined, nil
}

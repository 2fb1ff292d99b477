package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"

	"docqa/internal/chunkstore"
	"docqa/internal/domain"
	"docqa/internal/logger"
)

// DriverName is the go-sqlite3 driver with a unicode_lower(text) function.
// SQLite's own LIKE folds ASCII letters only.
const DriverName = "sqlite3_unicode"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("unicode_lower", strings.ToLower, true)
		},
	})
	sqlx.BindDriver(DriverName, sqlx.QUESTION)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Config configures the SQLite keyword store.
type Config struct {
	Path       string
	Table      string
	MaxRetries int
}

// Storage runs keyword queries against a chunks table with the columns
// chunk, relative_path and category.
type Storage struct {
	db         *sqlx.DB
	table      string
	maxRetries uint64
}

type chunkRow struct {
	Chunk        string `db:"chunk"`
	RelativePath string `db:"relative_path"`
	Category     string `db:"category"`
}

// Open connects to the database file at cfg.Path.
func Open(cfg Config) (*Storage, error) {
	db, err := sqlx.Connect(DriverName, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite %s: %w", cfg.Path, err)
	}
	if cfg.Path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	s, err := NewStorage(db, cfg.Table, cfg.MaxRetries)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStorage wraps an existing connection, which must come from DriverName.
func NewStorage(db *sqlx.DB, table string, maxRetries int) (*Storage, error) {
	if table == "" {
		table = "docs_chunks_table"
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Storage{db: db, table: table, maxRetries: uint64(maxRetries)}, nil
}

// EnsureSchema creates the chunks table when it is missing.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chunk TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT ''
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_category ON %s(category)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Insert stores chunks in one transaction.
func (s *Storage) Insert(ctx context.Context, chunks ...domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	q := sq.Insert(s.table).Columns("chunk", "relative_path", "category")
	for _, c := range chunks {
		q = q.Values(c.Text, c.DocumentID, c.Category)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return tx.Commit()
}

// Search implements domain.ChunkSearchProvider. A chunk matches when it
// contains any query keyword (Unicode case-insensitive); chunks matching more
// keywords come first, ties keep table order.
func (s *Storage) Search(ctx context.Context, query string, filter domain.SearchFilter, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	b := sq.Select("chunk", "relative_path", "category").From(s.table)
	keywords := chunkstore.Keywords(query)
	if len(keywords) > 0 {
		anyOf := sq.Or{}
		hits := make([]string, 0, len(keywords))
		hitArgs := make([]any, 0, len(keywords))
		for _, kw := range keywords {
			pattern := "%" + likeEscaper.Replace(kw) + "%"
			anyOf = append(anyOf, sq.Expr(`unicode_lower(chunk) LIKE ? ESCAPE '\'`, pattern))
			hits = append(hits, `(unicode_lower(chunk) LIKE ? ESCAPE '\')`)
			hitArgs = append(hitArgs, pattern)
		}
		b = b.Where(anyOf).OrderByClause("("+strings.Join(hits, " + ")+") DESC", hitArgs...)
	}
	if filter.Restricted() {
		b = b.Where(sq.Eq{"category": *filter.Category})
	}
	b = b.OrderBy("rowid").Limit(uint64(limit))
	sqlText, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build search: %w", err)
	}

	var rows []chunkRow
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, sqlText, args...)
	}); err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	out := make([]domain.Chunk, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Chunk{Text: r.Chunk, DocumentID: r.RelativePath, Category: r.Category})
	}
	return out, nil
}

// ListCategories implements domain.ChunkSearchProvider.
func (s *Storage) ListCategories(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "category")
}

// ListDocuments implements domain.ChunkSearchProvider.
func (s *Storage) ListDocuments(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "relative_path")
}

func (s *Storage) distinct(ctx context.Context, column string) ([]string, error) {
	sqlText, args, err := sq.Select(column).Distinct().From(s.table).
		Where(sq.NotEq{column: ""}).
		OrderBy(column).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build distinct %s: %w", column, err)
	}
	out := []string{}
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		out = out[:0]
		return s.db.SelectContext(ctx, &out, sqlText, args...)
	}); err != nil {
		return nil, fmt.Errorf("list %s: %w", column, err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(50*time.Millisecond))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && isBusy(err) {
			logger.FromContext(ctx).Warn("sqlite busy, retrying", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yairfalse/vahti/internal/policy"
)

// The embedded store answers SQL predicates with SQLite. Each referenced
// table is copied into an in-memory database, one column per top-level row
// key. Nested documents are stored as JSON text and read with json_extract:
//
//	SELECT arn AS assetId FROM aws_iam_user
//	WHERE json_extract(password_policy, '$.min_length') < 14
//
// Booleans are stored as 1 and 0.

// Revisioned is implemented by row sources whose content only changes with
// the revision number.
type Revisioned interface {
	Revision() int64
}

// SQLEngine runs SQL predicates over a RowSource. Loaded databases of a
// Revisioned source are cached per revision and scope.
type SQLEngine struct {
	cache *lru.Cache[string, *memoryDB]
}

// NewSQLEngine creates an engine keeping up to size loaded databases.
func NewSQLEngine(size int) (*SQLEngine, error) {
	cache, err := lru.NewWithEvict[string, *memoryDB](size, func(_ string, db *memoryDB) {
		_ = db.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("create sql database cache: %w", err)
	}
	return &SQLEngine{cache: cache}, nil
}

// Execute runs pred against the rows of its tables inside scope. Failures are
// *QueryExecutionError.
func (e *SQLEngine) Execute(ctx context.Context, pred policy.Predicate, src RowSource, scope Scope) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, &QueryExecutionError{Language: policy.LanguageSQL, Err: err}
	}

	tables := pred.Tables
	if len(tables) == 0 {
		var err error
		if tables, err = policy.ReferencedTables(pred); err != nil {
			return nil, &QueryExecutionError{Language: policy.LanguageSQL, Err: err}
		}
	}
	for _, table := range tables {
		exists, err := src.TableExists(ctx, table)
		if err != nil {
			return nil, AsQueryError(policy.LanguageSQL, table, err)
		}
		if !exists {
			return nil, &QueryExecutionError{Language: policy.LanguageSQL, Table: table, Err: ErrTableNotFound}
		}
	}

	db, release, err := e.database(src, scope)
	if err != nil {
		return nil, &QueryExecutionError{Language: policy.LanguageSQL, Err: err}
	}
	defer release()

	label := strings.Join(tables, ",")
	if err := db.load(ctx, src, tables, scope); err != nil {
		return nil, AsQueryError(policy.LanguageSQL, label, err)
	}
	rows, err := db.query(ctx, pred.Text)
	if err != nil {
		return nil, AsQueryError(policy.LanguageSQL, label, err)
	}
	return rows, nil
}

// database returns the database for src and scope, and a func to call when
// done with it.
func (e *SQLEngine) database(src RowSource, scope Scope) (*memoryDB, func(), error) {
	rev, ok := src.(Revisioned)
	if !ok {
		db, err := openMemoryDB()
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	}

	key := fmt.Sprintf("%d/%s", rev.Revision(), scope.Key())
	if db, ok := e.cache.Get(key); ok {
		return db, func() {}, nil
	}
	db, err := openMemoryDB()
	if err != nil {
		return nil, nil, err
	}
	if prev, ok, _ := e.cache.PeekOrAdd(key, db); ok {
		_ = db.Close()
		return prev, func() {}, nil
	}
	return db, func() {}, nil
}

// memoryDB is one in-memory SQLite database. It holds a single connection,
// so the database lives as long as the pool.
type memoryDB struct {
	db *sql.DB

	mu     sync.Mutex
	loaded map[string]bool
}

func openMemoryDB() (*memoryDB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lock sqlite: %w", err)
	}
	return &memoryDB{db: db, loaded: make(map[string]bool)}, nil
}

// Close releases the database.
func (m *memoryDB) Close() error {
	return m.db.Close()
}

// load copies the tables not yet present into the database. Predicates run
// with query_only set, so they cannot change what was loaded.
func (m *memoryDB) load(ctx context.Context, src RowSource, tables []string, scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var missing []string
	for _, t := range tables {
		if !m.loaded[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire sqlite connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = OFF"); err != nil {
		return fmt.Errorf("unlock sqlite: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA query_only = ON")
	}()

	for _, table := range missing {
		rows, err := src.Rows(ctx, table, Scope{})
		if err != nil {
			return err
		}
		if err := copyTable(ctx, conn, table, rows, scope); err != nil {
			return fmt.Errorf("load %s: %w", table, err)
		}
		m.loaded[table] = true
	}
	return nil
}

// copyTable creates table with the union of the row keys as columns and
// inserts the rows inside scope. Keys differing only in case share the first
// column.
func copyTable(ctx context.Context, conn *sql.Conn, table string, rows []Row, scope Scope) error {
	seen := make(map[string]bool)
	var columns []string
	for _, r := range rows {
		for k := range r {
			if !seen[strings.ToLower(k)] {
				seen[strings.ToLower(k)] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	if len(columns) == 0 {
		columns = []string{ColumnResourceID}
	}

	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(quoted, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return err
	}
	insert, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer insert.Close()

	args := make([]any, len(columns))
	for _, r := range rows {
		if !scope.Matches(r) {
			continue
		}
		for i, c := range columns {
			v, _ := r.Get(c)
			if args[i], err = sqlValue(v); err != nil {
				return fmt.Errorf("column %s: %w", c, err)
			}
		}
		if _, err := insert.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// query runs the statement and returns every result row.
func (m *memoryDB) query(ctx context.Context, statement string) ([]Row, error) {
	rs, err := m.db.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	columns, err := rs.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rs.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, c := range columns {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func sqlValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, float64, int64, int:
		return t, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

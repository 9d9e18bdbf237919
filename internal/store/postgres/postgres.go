// Package postgres is an asset store gateway backed by a PostgreSQL snapshot
// database. SQL predicates run verbatim in read-only transactions.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/store"
	"github.com/yairfalse/vahti/internal/telemetry"
)

// Session settings carrying the scan scope. Predicates may read them with
// current_setting('vahti.scope_accounts', true).
const (
	settingAccounts       = "vahti.scope_accounts"
	settingRegions        = "vahti.scope_regions"
	settingResourceIDs    = "vahti.scope_resource_ids"
	settingSubnetID       = "vahti.scope_subnet_id"
	settingSecurityGroups = "vahti.scope_security_groups"
)

// Options configures New.
type Options struct {
	// MaxConns caps the pool. Zero keeps the pgx default.
	MaxConns int
	// Schema holding the asset tables. Defaults to "public".
	Schema string
}

// Gateway answers predicates against PostgreSQL.
type Gateway struct {
	pool   *pgxpool.Pool
	schema string
	rego   *store.RegoEngine
	logger *telemetry.Logger
	tracer trace.Tracer

	// SQL predicates already reported for ignoring the scope
	unscoped sync.Map
}

// New connects a pool to dsn.
func New(ctx context.Context, dsn string, opts Options) (*Gateway, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns) // #nosec G115 -- validated by config
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	g, err := NewFromPool(pool, opts.Schema)
	if err != nil {
		pool.Close()
		return nil, err
	}

	g.logger.WithContext(ctx).Info().
		Int32("max_conns", cfg.MaxConns).
		Str("schema", g.schema).
		Msg("postgres asset store connected")

	return g, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool, schema string) (*Gateway, error) {
	if schema == "" {
		schema = "public"
	}
	regoEngine, err := store.NewRegoEngine(256)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		pool:   pool,
		schema: schema,
		rego:   regoEngine,
		logger: telemetry.NewLogger("postgres-store"),
		tracer: otel.Tracer("postgres-store"),
	}, nil
}

// Close releases the pool.
func (g *Gateway) Close() error {
	g.pool.Close()
	return nil
}

// MaxConnections is the pool size.
func (g *Gateway) MaxConnections() int {
	return int(g.pool.Config().MaxConns)
}

// TableExists looks the table up in information_schema.
func (g *Gateway) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := g.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		g.schema, table,
	).Scan(&exists)
	if err != nil {
		g.logger.LogQueryError(ctx, "table_exists", table, err)
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

// Query runs pred. SQL executes as written; Rego is evaluated in process
// over the rows of the referenced tables.
func (g *Gateway) Query(ctx context.Context, pred policy.Predicate, scope store.Scope) ([]store.Row, error) {
	ctx, span := g.tracer.Start(ctx, "postgres.query",
		trace.WithAttributes(
			attribute.String("language", string(pred.Language)),
			attribute.StringSlice("tables", pred.Tables),
		))
	defer span.End()

	var (
		rows []store.Row
		err  error
	)
	switch pred.Language {
	case policy.LanguageSQL:
		rows, err = g.querySQL(ctx, pred.Text, scope)
	case policy.LanguageRego:
		rows, err = g.rego.Evaluate(ctx, pred, g, scope)
	default:
		err = &store.QueryExecutionError{Language: pred.Language, Err: fmt.Errorf("unsupported predicate language")}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

func (g *Gateway) querySQL(ctx context.Context, query string, scope store.Scope) ([]store.Row, error) {
	fail := func(err error) ([]store.Row, error) {
		g.logger.LogQueryError(ctx, "query", "", err)
		return nil, &store.QueryExecutionError{Language: policy.LanguageSQL, Err: err}
	}

	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fail(fmt.Errorf("begin read-only transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := setScope(ctx, tx, g.schema, scope); err != nil {
		return fail(err)
	}
	if !scope.IsZero() && ignoresScope(query) {
		g.warnUnscoped(ctx, query, scope)
	}

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return fail(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []store.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fail(fmt.Errorf("read row: %w", err))
		}
		row := make(store.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return fail(err)
	}
	return out, nil
}

// Rows reads every row of table as a JSON document and filters it to scope.
func (g *Gateway) Rows(ctx context.Context, table string, scope store.Scope) ([]store.Row, error) {
	ident := pgx.Identifier{g.schema, table}.Sanitize()
	rows, err := g.pool.Query(ctx, "SELECT row_to_json(t) FROM "+ident+" t")
	if err != nil {
		g.logger.LogQueryError(ctx, "rows", table, err)
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		var doc map[string]any
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		row := store.Row(doc)
		if scope.Matches(row) {
			out = append(out, row)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read table %s: %w", table, err)
	}
	return out, nil
}

// ignoresScope reports whether a SQL predicate never reads a scope setting.
// Such a predicate returns assets outside a narrowed scan.
func ignoresScope(query string) bool {
	return !strings.Contains(strings.ToLower(query), "vahti.scope_")
}

// warnUnscoped logs once per predicate text. It reports whether it logged.
func (g *Gateway) warnUnscoped(ctx context.Context, query string, scope store.Scope) bool {
	if _, seen := g.unscoped.LoadOrStore(query, struct{}{}); seen {
		return false
	}
	g.logger.WithContext(ctx).Warn().
		Str("scope", scope.Key()).
		Str("query", query).
		Msg("sql predicate does not read the vahti.scope_* settings, results are not narrowed to the scope")
	return true
}

func setScope(ctx context.Context, tx pgx.Tx, schema string, scope store.Scope) error {
	_, err := tx.Exec(ctx,
		`SELECT set_config('search_path', $1, true),
		        set_config($2, $3, true),
		        set_config($4, $5, true),
		        set_config($6, $7, true),
		        set_config($8, $9, true),
		        set_config($10, $11, true)`,
		pgx.Identifier{schema}.Sanitize(),
		settingAccounts, strings.Join(scope.Accounts, ","),
		settingRegions, strings.Join(scope.Regions, ","),
		settingResourceIDs, strings.Join(scope.ResourceIDs, ","),
		settingSubnetID, scope.SubnetID,
		settingSecurityGroups, strings.Join(scope.SecurityGroups, ","),
	)
	if err != nil {
		return fmt.Errorf("set scope: %w", err)
	}
	return nil
}

// normalize maps driver values onto the plain JSON-like values rows carry.
func normalize(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case [16]byte:
		return uuid.UUID(t).String()
	case []byte:
		return string(t)
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	}
	return v
}

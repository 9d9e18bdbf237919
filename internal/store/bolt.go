package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/internal/policy"
	"github.com/yairfalse/vahti/internal/telemetry"
	"github.com/yairfalse/vahti/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketAssets = []byte("assets")
	bucketMeta   = []byte("meta")

	keyRevision   = []byte("current_revision")
	keySnapshotAt = []byte("snapshot_at")
)

// BoltStore keeps the latest asset snapshot on disk, one nested bucket per
// table, and answers predicates with the embedded SQL and Rego engines.
type BoltStore struct {
	mu sync.RWMutex

	// In-memory table index for existence checks
	index *btree.BTreeG[*TableState]

	db         *bbolt.DB
	currentRev int64
	snapshotAt time.Time
	dir        string

	sql    *SQLEngine
	rego   *RegoEngine
	logger *telemetry.Logger
	tracer trace.Tracer
}

// TableState tracks one table in the index
type TableState struct {
	Name     string
	Rows     int
	Revision int64
}

// SnapshotResult summarizes a ReplaceSnapshot call.
type SnapshotResult struct {
	Revision int64
	Tables   int
	Assets   int
	Added    int
	Deleted  int
	Modified int
}

// Stats describes the stored snapshot.
type Stats struct {
	Revision   int64
	SnapshotAt time.Time
	Tables     []TableState
}

// Open opens or creates the snapshot database under dir.
func Open(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "vahti.db"), 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketAssets, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}

	sqlEngine, err := NewSQLEngine(16)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	regoEngine, err := NewRegoEngine(256)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		index: btree.NewG[*TableState](32, func(a, b *TableState) bool {
			return a.Name < b.Name
		}),
		db:     db,
		dir:    dir,
		sql:    sqlEngine,
		rego:   regoEngine,
		logger: telemetry.NewLogger("asset-store"),
		tracer: otel.Tracer("asset-store"),
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rebuild table index: %w", err)
	}

	return s, nil
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MaxConnections bounds concurrent queries. Bolt read transactions run in
// parallel so the limit is the CPU count.
func (s *BoltStore) MaxConnections() int {
	return runtime.NumCPU()
}

// ReplaceSnapshot atomically swaps the stored snapshot for envelopes.
// Readers see either the old or the new snapshot, never a mix.
func (s *BoltStore) ReplaceSnapshot(ctx context.Context, envelopes []resource.Envelope) (SnapshotResult, error) {
	ctx, span := s.tracer.Start(ctx, "store.replace_snapshot",
		trace.WithAttributes(attribute.Int("envelopes", len(envelopes))))
	defer span.End()

	for i, e := range envelopes {
		if e.Table() == "" || e.ResourceID == "" {
			err := fmt.Errorf("envelope %d: resourceType and resourceId are required", i)
			span.SetStatus(codes.Error, err.Error())
			return SnapshotResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	now := time.Now().UTC()
	var previous []resource.Envelope

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		previous, err = readAll(tx)
		if err != nil {
			return err
		}

		if err := tx.DeleteBucket(bucketAssets); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		assets, err := tx.CreateBucket(bucketAssets)
		if err != nil {
			return err
		}

		for _, e := range envelopes {
			if err := ctx.Err(); err != nil {
				return err
			}
			table, err := assets.CreateBucketIfNotExists([]byte(e.Table()))
			if err != nil {
				return fmt.Errorf("create table %s: %w", e.Table(), err)
			}
			value, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := table.Put([]byte(resource.Key(e)), value); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyRevision, int64ToBytes(rev)); err != nil {
			return err
		}
		return meta.Put(keySnapshotAt, int64ToBytes(now.UnixNano()))
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return SnapshotResult{}, fmt.Errorf("replace snapshot: %w", err)
	}

	s.currentRev = rev
	s.snapshotAt = now
	s.index.Clear(false)
	counts := make(map[string]int)
	for _, e := range envelopes {
		counts[e.Table()]++
	}
	for name, n := range counts {
		s.index.ReplaceOrInsert(&TableState{Name: name, Rows: n, Revision: rev})
	}

	diff := resource.CountByType(resource.Diff(previous, envelopes))
	result := SnapshotResult{
		Revision: rev,
		Tables:   len(counts),
		Assets:   len(envelopes),
		Added:    diff[resource.DiffAdded],
		Deleted:  diff[resource.DiffDeleted],
		Modified: diff[resource.DiffModified],
	}

	s.logger.WithContext(ctx).Info().
		Int64("revision", rev).
		Int("tables", result.Tables).
		Int("assets", result.Assets).
		Int("added", result.Added).
		Int("deleted", result.Deleted).
		Int("modified", result.Modified).
		Msg("snapshot replaced")

	return result, nil
}

// TableExists reports whether the current snapshot has the table.
func (s *BoltStore) TableExists(_ context.Context, table string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := s.index.Get(&TableState{Name: table})
	return found, nil
}

// Rows returns every row of table inside scope, in key order.
func (s *BoltStore) Rows(ctx context.Context, table string, scope Scope) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAssets).Bucket([]byte(table))
		if bucket == nil {
			return fmt.Errorf("%s: %w", table, ErrTableNotFound)
		}
		return bucket.ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e resource.Envelope
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode asset in %s: %w", table, err)
			}
			row, err := EnvelopeRow(e)
			if err != nil {
				return err
			}
			if scope.Matches(row) {
				rows = append(rows, row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Query runs the predicate with the engine for its language.
func (s *BoltStore) Query(ctx context.Context, pred policy.Predicate, scope Scope) ([]Row, error) {
	ctx, span := s.tracer.Start(ctx, "store.query",
		trace.WithAttributes(
			attribute.String("language", string(pred.Language)),
			attribute.StringSlice("tables", pred.Tables),
		))
	defer span.End()

	var (
		rows []Row
		err  error
	)
	switch pred.Language {
	case policy.LanguageSQL:
		rows, err = s.sql.Execute(ctx, pred, s, scope)
	case policy.LanguageRego:
		rows, err = s.rego.Evaluate(ctx, pred, s, scope)
	default:
		err = &QueryExecutionError{Language: pred.Language, Err: fmt.Errorf("unsupported predicate language")}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

// Revision returns the current snapshot revision.
func (s *BoltStore) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Stats returns the table index of the current snapshot.
func (s *BoltStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Revision: s.currentRev, SnapshotAt: s.snapshotAt}
	s.index.Ascend(func(t *TableState) bool {
		st.Tables = append(st.Tables, *t)
		return true
	})
	return st
}

func (s *BoltStore) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get(keyRevision); data != nil {
			s.currentRev = bytesToInt64(data)
		}
		if data := meta.Get(keySnapshotAt); data != nil {
			s.snapshotAt = time.Unix(0, bytesToInt64(data)).UTC()
		}

		assets := tx.Bucket(bucketAssets)
		return assets.ForEachBucket(func(name []byte) error {
			s.index.ReplaceOrInsert(&TableState{
				Name:     string(name),
				Rows:     assets.Bucket(name).Stats().KeyN,
				Revision: s.currentRev,
			})
			return nil
		})
	})
}

func readAll(tx *bbolt.Tx) ([]resource.Envelope, error) {
	assets := tx.Bucket(bucketAssets)
	if assets == nil {
		return nil, nil
	}
	var out []resource.Envelope
	err := assets.ForEachBucket(func(name []byte) error {
		return assets.Bucket(name).ForEach(func(_, v []byte) error {
			var e resource.Envelope
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode asset in %s: %w", name, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Package persistence implements the shared task store on SQLite: the task
// graph, the append-only event log, quality metrics, phase leases, and the
// command dedup table. All agents coordinate exclusively through this store.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/conductor/internal/task"
	_ "modernc.org/sqlite"
)

// Meta carries per-command context: the acting agent (for the event log) and
// the caller's correlation id (for at-least-once dedup). Both are optional.
type Meta struct {
	AgentID       string
	CorrelationID string
}

// TransitionPatch is the optional state applied together with a status
// transition, in the same transaction.
type TransitionPatch struct {
	Phase          *task.Phase
	Attempt        *int
	Blocker        *task.BlockerReason
	Metadata       map[string]string // Merged into existing metadata
	ActualDuration *time.Duration
}

// Store is the persistence interface the scheduler, workflow enforcer,
// router, and command surface depend on.
type Store interface {
	// Task graph
	CreateTask(ctx context.Context, t *task.Task, meta Meta) (*task.Task, error)
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]*task.Task, error)
	ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	Transition(ctx context.Context, taskID string, to task.Status, patch TransitionPatch, meta Meta) (*task.Task, error)
	UpdatePhase(ctx context.Context, taskID string, phase task.Phase, attempt int, ev task.Event, meta Meta) (*task.Task, error)
	AnnotateTask(ctx context.Context, taskID string, metadata map[string]string, ev task.Event, meta Meta) (*task.Task, error)
	AddDependency(ctx context.Context, dep task.Dependency, meta Meta) error
	DependenciesFor(ctx context.Context, taskID string) ([]task.Dependency, error)
	GetReadyTasks(ctx context.Context) ([]*task.Task, error)

	// Audit log
	AppendEvent(ctx context.Context, ev task.Event) error
	AppendEventDeduped(ctx context.Context, ev task.Event, result []byte) (replayed bool, stored []byte, err error)
	EventsForTask(ctx context.Context, taskID string, limit int) ([]task.Event, error)
	RecentEvents(ctx context.Context, limit int) ([]task.Event, error)
	CountTaskEvents(ctx context.Context, taskID string, eventType task.EventType) (int, error)

	// Quality series
	RecordQualityMetric(ctx context.Context, m task.QualityMetric, meta Meta) error
	QualityMetricsFor(ctx context.Context, taskID string) ([]task.QualityMetric, error)

	// Read-side aggregate
	GetRoadmapHealth(ctx context.Context) (*task.RoadmapHealth, error)

	// Phase leases
	AcquireLease(ctx context.Context, taskID string, phase task.Phase, agentID string, ttl time.Duration, meta Meta) (*task.LeaseGrant, error)
	RenewLease(ctx context.Context, taskID string, phase task.Phase, agentID, leaseID string, ttl time.Duration, meta Meta) (*task.PhaseLease, error)
	ReleaseLease(ctx context.Context, taskID string, phase task.Phase, agentID, leaseID string, meta Meta) error
	GetLease(ctx context.Context, taskID string, phase task.Phase) (*task.PhaseLease, error)
	CountLiveLeases(ctx context.Context) (int, error)

	// Command dedup for surface-level commands without their own transaction
	LookupCommand(ctx context.Context, correlationID string) (result []byte, found bool, err error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db          *sql.DB
	nowFunc     func() time.Time
	maxRenewals int

	// generation increments on every committed mutation; the health cache
	// compares generations instead of using invalidation flags.
	generation atomic.Int64

	healthMu  sync.Mutex
	healthGen int64
	health    *task.RoadmapHealth
}

// Option customizes a store.
type Option func(*SQLiteStore)

// WithNowFunc replaces the store clock. Tests use it to drive lease expiry
// deterministically.
func WithNowFunc(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.nowFunc = now }
}

// WithMaxRenewals bounds lease renewals. Defaults to 20.
func WithMaxRenewals(n int) Option {
	return func(s *SQLiteStore) { s.maxRenewals = n }
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection
	// string, so foreign keys are enabled with a PRAGMA below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db, opts)
}

// NewMemoryStore creates an in-memory store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context, opts ...Option) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db, opts)
}

func initStore(ctx context.Context, db *sql.DB, opts []Option) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Two connections: one for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{
		db:          db,
		nowFunc:     time.Now,
		maxRenewals: 20,
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// now returns the store clock's current time.
func (s *SQLiteStore) now() time.Time {
	return s.nowFunc()
}

// bumpGeneration marks the read-side caches stale. Called after every
// committed mutation.
func (s *SQLiteStore) bumpGeneration() {
	s.generation.Add(1)
}

// beginTx starts a serializable transaction (BEGIN IMMEDIATE under SQLite).
func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Package storage persists study snapshots in a SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"diffspect/pkg/study"
)

// ErrNotFound is returned when no study has the requested id
var ErrNotFound = errors.New("study not found")

// StudySummary is one row of the study listing
type StudySummary struct {
	ID                     uuid.UUID
	Patient                study.Patient
	HasStructuralReference bool
	UseNonlinearAlignment  bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
	Slots                  int
}

// Store manages the study database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewStore creates or opens the database at dbPath. The special path
// ":memory:" opens a private in-memory database.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dsn string
	if dbPath != ":memory:" {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS studies (
		id TEXT PRIMARY KEY,
		patient_name TEXT NOT NULL,
		patient_number TEXT NOT NULL,
		has_structural_reference INTEGER NOT NULL,
		nonlinear INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_studies_patient ON studies(patient_number);

	CREATE TABLE IF NOT EXISTS slots (
		study_id TEXT NOT NULL,
		name TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (study_id, name),
		FOREIGN KEY (study_id) REFERENCES studies(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save writes a snapshot, replacing every slot previously stored for the
// same study.
func (s *Store) Save(ctx context.Context, snap *study.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO studies (id, patient_name, patient_number, has_structural_reference, nonlinear, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			patient_name = excluded.patient_name,
			patient_number = excluded.patient_number,
			has_structural_reference = excluded.has_structural_reference,
			nonlinear = excluded.nonlinear,
			updated_at = excluded.updated_at`,
		snap.ID.String(), snap.Patient.Name, snap.Patient.Number,
		boolToInt(snap.HasStructuralReference), boolToInt(snap.UseNonlinearAlignment),
		snap.CreatedAt.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return fmt.Errorf("failed to save study %s: %w", snap.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM slots WHERE study_id = ?`, snap.ID.String()); err != nil {
		return fmt.Errorf("failed to clear slots of study %s: %w", snap.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO slots (study_id, name, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare slot insert: %w", err)
	}
	defer stmt.Close()

	for name, payload := range snap.Entries {
		if _, err := stmt.ExecContext(ctx, snap.ID.String(), name, payload); err != nil {
			return fmt.Errorf("failed to save slot %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit study %s: %w", snap.ID, err)
	}

	s.logger.Debug("Saved study",
		zap.Stringer("id", snap.ID),
		zap.Int("slots", len(snap.Entries)))
	return nil
}

// Load reads the snapshot of one study
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*study.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		snap       = &study.Snapshot{ID: id, Entries: make(map[string][]byte)}
		structural int
		nonlinear  int
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT patient_name, patient_number, has_structural_reference, nonlinear, created_at
		FROM studies WHERE id = ?`, id.String()).
		Scan(&snap.Patient.Name, &snap.Patient.Number, &structural, &nonlinear, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load study %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load study %s: %w", id, err)
	}
	snap.HasStructuralReference = structural != 0
	snap.UseNonlinearAlignment = nonlinear != 0
	if snap.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse creation time of study %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, payload FROM slots WHERE study_id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load slots of study %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name    string
			payload []byte
		)
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		snap.Entries[name] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read slots of study %s: %w", id, err)
	}

	return snap, nil
}

// List returns every stored study, most recently updated first
func (s *Store) List(ctx context.Context) ([]StudySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.patient_name, s.patient_number, s.has_structural_reference, s.nonlinear,
			s.created_at, s.updated_at, COUNT(sl.name)
		FROM studies s LEFT JOIN slots sl ON sl.study_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list studies: %w", err)
	}
	defer rows.Close()

	var summaries []StudySummary
	for rows.Next() {
		var (
			sum                  StudySummary
			id, created, updated string
			structural, nonlin   int
		)
		if err := rows.Scan(&id, &sum.Patient.Name, &sum.Patient.Number, &structural, &nonlin,
			&created, &updated, &sum.Slots); err != nil {
			return nil, fmt.Errorf("failed to scan study: %w", err)
		}
		if sum.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid study id %q: %w", id, err)
		}
		sum.HasStructuralReference = structural != 0
		sum.UseNonlinearAlignment = nonlin != 0
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete removes a study and its slots
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM studies WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete study %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to delete study %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveState snapshots a study and saves it
func (s *Store) SaveState(ctx context.Context, state *study.State, codec study.ImageCodec) error {
	snap, err := state.Snapshot(codec)
	if err != nil {
		return err
	}
	return s.Save(ctx, snap)
}

// LoadState loads a study and restores it
func (s *Store) LoadState(ctx context.Context, id uuid.UUID, codec study.ImageCodec) (*study.State, error) {
	snap, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return study.Restore(snap, codec)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package annotation persists the per-file user flags (favorited and
// marked for deletion) in SQLite. The two flags live in independent tables
// keyed by the folded file identity; every public call leaves an identity
// in at most one of them.
package annotation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/phototriage/phototriage/internal/fileid"
)

// Annotation is the persisted flag pair for one file.
type Annotation struct {
	Favorited         bool
	MarkedForDeletion bool
}

// table holds the statements for one annotation set. Both sets share a
// schema, so the statements only differ by table name.
type table struct {
	name      string
	upsert    string
	delete    string
	exists    string
	selectDir string
	selectAll string
}

func newTable(name string) table {
	return table{
		name: name,
		upsert: `INSERT INTO ` + name + `
			(dir_key, base_key, ext_key, directory, base_name, extension, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dir_key, base_key, ext_key) DO UPDATE SET
			 directory = excluded.directory,
			 base_name = excluded.base_name,
			 extension = excluded.extension,
			 updated_at = excluded.updated_at`,
		delete:    `DELETE FROM ` + name + ` WHERE dir_key = ? AND base_key = ? AND ext_key = ?`,
		exists:    `SELECT 1 FROM ` + name + ` WHERE dir_key = ? AND base_key = ? AND ext_key = ?`,
		selectDir: `SELECT directory, base_name, extension FROM ` + name + ` WHERE dir_key = ?`,
		selectAll: `SELECT directory, base_name, extension FROM ` + name,
	}
}

var (
	favorites = newTable("favorites")
	marked    = newTable("marked")
)

// Store is the sole owner of the annotation database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("annotation: opening database %s: %w", dbPath, err)
	}

	// One connection: writes are serialized by the pool itself.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("annotation store opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Check returns the flags stored for id.
func (s *Store) Check(ctx context.Context, id fileid.Identity) (Annotation, error) {
	fav, err := s.exists(ctx, s.db, favorites, id.Key())
	if err != nil {
		return Annotation{}, err
	}

	mark, err := s.exists(ctx, s.db, marked, id.Key())
	if err != nil {
		return Annotation{}, err
	}

	return Annotation{Favorited: fav, MarkedForDeletion: mark}, nil
}

// GetAllForDirectory loads every annotated identity in dir with two
// queries, one per set.
func (s *Store) GetAllForDirectory(ctx context.Context, dir string) (*DirectoryAnnotations, error) {
	dirKey := fileid.Fold(filepath.Clean(dir))

	favs, err := s.queryIdentities(ctx, favorites, favorites.selectDir, dirKey)
	if err != nil {
		return nil, err
	}

	marks, err := s.queryIdentities(ctx, marked, marked.selectDir, dirKey)
	if err != nil {
		return nil, err
	}

	return partition(favs, marks), nil
}

// Favorite flags ids as favorites, clearing any deletion mark.
func (s *Store) Favorite(ctx context.Context, ids ...fileid.Identity) error {
	return s.setFlag(ctx, favorites, marked, ids)
}

// MarkForDeletion flags ids for deletion, clearing any favorite.
func (s *Store) MarkForDeletion(ctx context.Context, ids ...fileid.Identity) error {
	return s.setFlag(ctx, marked, favorites, ids)
}

// UnFavorite removes ids from the favorites.
func (s *Store) UnFavorite(ctx context.Context, ids ...fileid.Identity) error {
	return s.deleteFrom(ctx, ids, favorites)
}

// UnMarkForDeletion removes ids from the deletion marks.
func (s *Store) UnMarkForDeletion(ctx context.Context, ids ...fileid.Identity) error {
	return s.deleteFrom(ctx, ids, marked)
}

// Delete forgets ids entirely.
func (s *Store) Delete(ctx context.Context, ids ...fileid.Identity) error {
	return s.deleteFrom(ctx, ids, favorites, marked)
}

// Rename moves the annotations of oldID to newID in both sets, replacing
// any flags stored under newID. Nothing happens when oldID has no
// annotations.
func (s *Store) Rename(ctx context.Context, oldID, newID fileid.Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("annotation: beginning rename transaction: %w", err)
	}
	defer tx.Rollback()

	var from []table

	for _, t := range []table{favorites, marked} {
		ok, err := s.exists(ctx, tx, t, oldID.Key())
		if err != nil {
			return err
		}

		if ok {
			from = append(from, t)
		}
	}

	if len(from) == 0 {
		s.logger.Debug("annotation rename: nothing stored for old name",
			slog.String("old", oldID.Path()), slog.String("new", newID.Path()))

		return nil
	}

	// Whatever was stored under the new name belonged to a file that no
	// longer exists there.
	if oldID.Key() != newID.Key() {
		for _, t := range []table{favorites, marked} {
			if err := execKey(ctx, tx, t.delete, newID.Key()); err != nil {
				return fmt.Errorf("annotation: clearing %s for %s: %w", t.name, newID, err)
			}
		}
	}

	now := s.nowFunc().UnixNano()

	for _, t := range from {
		if err := execKey(ctx, tx, t.delete, oldID.Key()); err != nil {
			return fmt.Errorf("annotation: renaming %s in %s: %w", oldID, t.name, err)
		}

		if err := upsert(ctx, tx, t, newID, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("annotation: committing rename of %s: %w", oldID, err)
	}

	return nil
}

// Sweep deletes annotations whose file no longer exists and returns how
// many identities were dropped. Files are stat'ed outside any transaction,
// so a concurrent upsert for a file that reappears may be lost or kept;
// either outcome leaves the tables consistent.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var gone []fileid.Identity

	for _, t := range []table{favorites, marked} {
		ids, err := s.queryIdentities(ctx, t, t.selectAll)
		if err != nil {
			return 0, err
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return 0, err
			}

			if _, err := os.Stat(id.Path()); errors.Is(err, fs.ErrNotExist) {
				gone = append(gone, id)
			}
		}
	}

	if len(gone) == 0 {
		return 0, nil
	}

	if err := s.Delete(ctx, gone...); err != nil {
		return 0, err
	}

	return len(gone), nil
}

// StartMaintenance runs Sweep in the background. The returned channel is
// closed when the sweep finishes.
func (s *Store) StartMaintenance(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		n, err := s.Sweep(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("annotation sweep failed", slog.String("error", err.Error()))
			}

			return
		}

		s.logger.Info("annotation sweep complete", slog.Int("removed", n))
	}()

	return done
}

// setFlag upserts ids into on and removes them from off in one
// transaction, which is what keeps the sets exclusive.
func (s *Store) setFlag(ctx context.Context, on, off table, ids []fileid.Identity) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("annotation: beginning %s transaction: %w", on.name, err)
	}
	defer tx.Rollback()

	now := s.nowFunc().UnixNano()

	for _, id := range ids {
		if err := upsert(ctx, tx, on, id, now); err != nil {
			return err
		}

		if err := execKey(ctx, tx, off.delete, id.Key()); err != nil {
			return fmt.Errorf("annotation: clearing %s for %s: %w", off.name, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("annotation: committing %s: %w", on.name, err)
	}

	s.logger.Debug("annotations updated", slog.String("set", on.name), slog.Int("count", len(ids)))

	return nil
}

func (s *Store) deleteFrom(ctx context.Context, ids []fileid.Identity, tables ...table) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("annotation: beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		for _, t := range tables {
			if err := execKey(ctx, tx, t.delete, id.Key()); err != nil {
				return fmt.Errorf("annotation: deleting %s from %s: %w", id, t.name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("annotation: committing delete: %w", err)
	}

	return nil
}

func (s *Store) queryIdentities(ctx context.Context, t table, query string, args ...any) ([]fileid.Identity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("annotation: querying %s: %w", t.name, err)
	}
	defer rows.Close()

	var ids []fileid.Identity

	for rows.Next() {
		var dir, base, ext string
		if err := rows.Scan(&dir, &base, &ext); err != nil {
			return nil, fmt.Errorf("annotation: scanning %s row: %w", t.name, err)
		}

		ids = append(ids, fileid.New(dir, base, ext))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("annotation: iterating %s rows: %w", t.name, err)
	}

	return ids, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exists(ctx context.Context, q querier, t table, key fileid.Key) (bool, error) {
	var one int

	err := q.QueryRowContext(ctx, t.exists, key.Dir, key.Base, key.Ext).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("annotation: checking %s: %w", t.name, err)
	default:
		return true, nil
	}
}

func upsert(ctx context.Context, tx *sql.Tx, t table, id fileid.Identity, now int64) error {
	key := id.Key()

	_, err := tx.ExecContext(ctx, t.upsert,
		key.Dir, key.Base, key.Ext,
		id.Dir(), id.Base(), id.Ext(),
		now,
	)
	if err != nil {
		return fmt.Errorf("annotation: upserting %s into %s: %w", id, t.name, err)
	}

	return nil
}

func execKey(ctx context.Context, tx *sql.Tx, stmt string, key fileid.Key) error {
	_, err := tx.ExecContext(ctx, stmt, key.Dir, key.Base, key.Ext)
	return err
}

// Package index implements the durable per-filename index store (C2): a
// small embedded relational store over SQLite with a current-version table
// and a historical-versions table, bulk operations, and a validation sweep.
//
// Grounded on _examples/original_source/tse/common/index.py for the
// operation set and on _examples/AKJUS-bsc-erigon/go.mod for the choice of
// a pure-Go SQLite driver (modernc.org/sqlite) accessed through
// database/sql, consistent with spec.md §4.2's "small embedded relational
// store ... synchronous-OFF / TRUNCATE journal ... vacuum/optimize" prose,
// which names SQLite pragma vocabulary directly.
package index

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Entry is a single filename's current index row.
type Entry struct {
	LastModified    time.Time
	ETag            string
	PublicationDate *time.Time
	Metadata        string
	Version         int
}

// Store is a single-writer SQLite-backed index. It owns one exclusive
// connection, per spec.md §4.2/§5 ("single-writer ... single exclusive
// connection").
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS file_versions (
	filename TEXT NOT NULL,
	version INTEGER NOT NULL,
	last_modified INTEGER NOT NULL,
	etag TEXT NOT NULL,
	publication_date INTEGER,
	metadata TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (filename, version)
);
CREATE TABLE IF NOT EXISTS file_entries (
	filename TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);
`

// Open opens (creating if necessary) the SQLite index database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening index database")
	}
	// Single-writer; avoid database/sql pooling more than one connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = TRUNCATE",
		"PRAGMA synchronous = OFF",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "applying %q", pragma)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}

	return &Store{db: db}, nil
}

// Close restores the default journal mode, runs vacuum/optimize, and closes
// the connection, per spec.md §4.2.
func (s *Store) Close() error {
	for _, stmt := range []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA optimize",
		"VACUUM",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			s.db.Close()
			return errors.Wrapf(err, "running %q on close", stmt)
		}
	}
	return s.db.Close()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// Get returns the current entry for filename, or (Entry{}, false, nil) if absent.
func (s *Store) Get(ctx context.Context, filename string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fv.last_modified, fv.etag, fv.publication_date, fv.metadata, fv.version
		FROM file_entries fe
		JOIN file_versions fv ON fv.filename = fe.filename AND fv.version = fe.version
		WHERE fe.filename = ?`, filename)

	var lastModified int64
	var etag, metadata string
	var pubDate sql.NullInt64
	var version int

	if err := row.Scan(&lastModified, &etag, &pubDate, &metadata, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, errors.Wrap(err, "querying index entry")
	}

	e := Entry{
		LastModified: fromUnix(lastModified),
		ETag:         etag,
		Metadata:     metadata,
		Version:      version,
	}
	if pubDate.Valid {
		t := fromUnix(pubDate.Int64)
		e.PublicationDate = &t
	}
	return e, true, nil
}

// GetCurrentVersion returns the current version ordinal for filename, or 0
// if the filename is not indexed.
func (s *Store) GetCurrentVersion(ctx context.Context, filename string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM file_entries WHERE filename = ?`, filename).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "querying current version")
	}
	return version, nil
}

// Put replaces the current version row's content in place; the version
// ordinal is unchanged.
func (s *Store) Put(ctx context.Context, filename string, e Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putTx(ctx, tx, filename, e)
	})
}

func putTx(ctx context.Context, tx *sql.Tx, filename string, e Entry) error {
	var pubDate sql.NullInt64
	if e.PublicationDate != nil {
		pubDate = sql.NullInt64{Int64: toUnix(*e.PublicationDate), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE file_versions SET last_modified = ?, etag = ?, publication_date = ?, metadata = ?
		WHERE filename = ? AND version = (SELECT version FROM file_entries WHERE filename = ?)`,
		toUnix(e.LastModified), e.ETag, pubDate, e.Metadata, filename, filename)
	if err != nil {
		return errors.Wrap(err, "updating version row")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking rows affected")
	}
	if n == 0 {
		// No current version yet: this is effectively the first insert at version 1.
		return addVersionTx(ctx, tx, filename, 1, e)
	}
	return nil
}

// AddVersion inserts a new version row with ordinal n and atomically
// promotes it to current. n must exceed the previous current version.
func (s *Store) AddVersion(ctx context.Context, filename string, n int, e Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return addVersionTx(ctx, tx, filename, n, e)
	})
}

func addVersionTx(ctx context.Context, tx *sql.Tx, filename string, n int, e Entry) error {
	var current int
	err := tx.QueryRowContext(ctx, `SELECT version FROM file_entries WHERE filename = ?`, filename).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "reading current version")
	}
	if current >= n {
		return errors.Errorf("version %d does not exceed current version %d for %q", n, current, filename)
	}

	var pubDate sql.NullInt64
	if e.PublicationDate != nil {
		pubDate = sql.NullInt64{Int64: toUnix(*e.PublicationDate), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_versions (filename, version, last_modified, etag, publication_date, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename, version) DO UPDATE SET
			last_modified = excluded.last_modified, etag = excluded.etag,
			publication_date = excluded.publication_date, metadata = excluded.metadata`,
		filename, n, toUnix(e.LastModified), e.ETag, pubDate, e.Metadata); err != nil {
		return errors.Wrap(err, "inserting version row")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_entries (filename, version) VALUES (?, ?)
		ON CONFLICT(filename) DO UPDATE SET version = excluded.version`,
		filename, n); err != nil {
		return errors.Wrap(err, "promoting current version")
	}

	return nil
}

// Pair is a (filename, entry) tuple for bulk operations.
type Pair struct {
	Filename string
	Entry    Entry
}

// AddMany upserts several current-entries in a single transaction.
func (s *Store) AddMany(ctx context.Context, pairs []Pair) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range pairs {
			if err := putTx(ctx, tx, p.Filename, p.Entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveMany deletes several filenames' entries (all versions) in a single
// transaction.
func (s *Store) RemoveMany(ctx context.Context, filenames []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, filename := range filenames {
			if _, err := tx.ExecContext(ctx, `DELETE FROM file_entries WHERE filename = ?`, filename); err != nil {
				return errors.Wrap(err, "deleting file entry")
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM file_versions WHERE filename = ?`, filename); err != nil {
				return errors.Wrap(err, "deleting version rows")
			}
		}
		return nil
	})
}

// Items streams (filename, current entry) pairs to fn. Iteration stops and
// returns fn's error the first time fn returns a non-nil error.
func (s *Store) Items(ctx context.Context, fn func(filename string, e Entry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fe.filename, fv.last_modified, fv.etag, fv.publication_date, fv.metadata, fv.version
		FROM file_entries fe
		JOIN file_versions fv ON fv.filename = fe.filename AND fv.version = fe.version`)
	if err != nil {
		return errors.Wrap(err, "querying items")
	}
	defer rows.Close()

	for rows.Next() {
		var filename, etag, metadata string
		var lastModified int64
		var pubDate sql.NullInt64
		var version int

		if err := rows.Scan(&filename, &lastModified, &etag, &pubDate, &metadata, &version); err != nil {
			return errors.Wrap(err, "scanning item row")
		}

		e := Entry{LastModified: fromUnix(lastModified), ETag: etag, Metadata: metadata, Version: version}
		if pubDate.Valid {
			t := fromUnix(pubDate.Int64)
			e.PublicationDate = &t
		}

		if err := fn(filename, e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// HistoricalVersion returns a prior version's validators/metadata, used when
// reconstructing a .ver/ archive path.
func (s *Store) HistoricalVersion(ctx context.Context, filename string, version int) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_modified, etag, publication_date, metadata FROM file_versions
		WHERE filename = ? AND version = ?`, filename, version)

	var lastModified int64
	var etag, metadata string
	var pubDate sql.NullInt64

	if err := row.Scan(&lastModified, &etag, &pubDate, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, errors.Wrap(err, "querying historical version")
	}

	e := Entry{LastModified: fromUnix(lastModified), ETag: etag, Metadata: metadata, Version: version}
	if pubDate.Valid {
		t := fromUnix(pubDate.Int64)
		e.PublicationDate = &t
	}
	return e, true, nil
}

// EnsureVersionExists registers a version row discovered on disk (e.g. by
// scanning .ver/) without promoting it to current, per spec.md §4.4's
// "version directory scan."
func (s *Store) EnsureVersionExists(ctx context.Context, filename string, version int, e Entry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var pubDate sql.NullInt64
		if e.PublicationDate != nil {
			pubDate = sql.NullInt64{Int64: toUnix(*e.PublicationDate), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_versions (filename, version, last_modified, etag, publication_date, metadata)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(filename, version) DO NOTHING`,
			filename, version, toUnix(e.LastModified), e.ETag, pubDate, e.Metadata)
		if err != nil {
			return errors.Wrap(err, "ensuring version row exists")
		}
		return nil
	})
}

// ValidatePredicate decides, for a filename and its current entry, whether
// the entry should be kept.
type ValidatePredicate func(filename string, e Entry) (bool, error)

// Validate traverses all entries and removes those failing predicate,
// implementing the validation sweep of spec.md §4.5.4. It returns the
// number of entries removed.
func (s *Store) Validate(ctx context.Context, predicate ValidatePredicate) (int, error) {
	var toRemove []string

	if err := s.Items(ctx, func(filename string, e Entry) error {
		keep, err := predicate(filename, e)
		if err != nil {
			return err
		}
		if !keep {
			toRemove = append(toRemove, filename)
		}
		return nil
	}); err != nil {
		return 0, err
	}

	if len(toRemove) == 0 {
		return 0, nil
	}

	if err := s.RemoveMany(ctx, toRemove); err != nil {
		return 0, err
	}

	return len(toRemove), nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

// Package persist implements the persistence engine (C4): it turns a
// fetched HTTP response into an on-disk file with reconciled validator
// identity, atomically written and, when configured, archived under .ver/
// before being overwritten.
//
// Grounded on _examples/original_source/tse/common/basespider.py's
// persist_response (path layout, mtime stamping) generalized to the
// versioned-archive and conditional-GET reconciliation spec.md §4.4 adds,
// and on the ULID-suffixed temp-file convention used for collision-free
// concurrent writers in the retrieval pack's storage-adjacent tooling.
package persist

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"github.com/capyvara/divulga-crawler/internal/index"
)

// ErrStaleValidator is returned when the origin reports 304 but no index
// entry exists to confirm against, per spec.md §4.4 step 3.
var ErrStaleValidator = errors.New("stale validator: origin returned 304 with no known entry")

// Response is the subset of an HTTP response persist needs.
type Response struct {
	StatusCode   int
	LastModified time.Time
	Date         time.Time
	ETag         string
	Body         []byte
}

// Result reports the outcome of Persist.
type Result struct {
	LocalPath string
	Entry     index.Entry
	IsNewFile bool
}

// Engine writes response bodies under Root, reconciling validator identity
// against an index.Store.
type Engine struct {
	Root            string
	KeepOldVersions bool
	Store           *index.Store

	scannedDirs map[string]bool
}

// NewEngine constructs a persistence engine rooted at root.
func NewEngine(root string, keepOldVersions bool, store *index.Store) *Engine {
	return &Engine{Root: root, KeepOldVersions: keepOldVersions, Store: store, scannedDirs: make(map[string]bool)}
}

// LocalPath resolves relPath (forward-slash, origin-style) to an absolute
// path under Root, for callers that need to probe local state (existence,
// contents) before deciding whether to enqueue a fetch.
func (e *Engine) LocalPath(relPath string) string {
	return filepath.Join(e.Root, filepath.FromSlash(relPath))
}

// Persist implements spec.md §4.4's algorithm for one (filename, response)
// pair. filename is the index key (the artifact's bare filename);
// localRelPath is the path under Root to write to, normally the artifact's
// remote path.
func (e *Engine) Persist(ctx context.Context, filename, localRelPath string, resp Response) (Result, error) {
	localPath := filepath.Join(e.Root, filepath.FromSlash(localRelPath))

	if err := e.ensureVersionDirScanned(ctx, filename, filepath.Dir(localPath)); err != nil {
		return Result{}, err
	}

	existing, hasEntry, err := e.Store.Get(ctx, filename)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode == 304 {
		if !hasEntry {
			return Result{}, ErrStaleValidator
		}
		return Result{LocalPath: localPath, Entry: existing, IsNewFile: false}, nil
	}

	effectiveLastModified := firstNonZero(resp.LastModified, resp.Date, time.Now().UTC())
	effectiveETag := resp.ETag
	if effectiveETag == "" {
		sum := md5.Sum(resp.Body)
		effectiveETag = hex.EncodeToString(sum[:])
	}

	if hasEntry && existing.ETag == effectiveETag {
		if _, err := os.Stat(localPath); os.IsNotExist(err) {
			if err := e.atomicWrite(localPath, resp.Body); err != nil {
				return Result{}, err
			}
		}
		if !existing.LastModified.Equal(effectiveLastModified) {
			existing.LastModified = effectiveLastModified
			if err := e.Store.Put(ctx, filename, existing); err != nil {
				return Result{}, err
			}
			if err := os.Chtimes(localPath, effectiveLastModified, effectiveLastModified); err != nil && !os.IsNotExist(err) {
				return Result{}, errors.Wrap(err, "updating mtime")
			}
		}
		return Result{LocalPath: localPath, Entry: existing, IsNewFile: false}, nil
	}

	newEntry := index.Entry{LastModified: effectiveLastModified, ETag: effectiveETag}

	if e.KeepOldVersions {
		prevVersion, err := e.Store.GetCurrentVersion(ctx, filename)
		if err != nil {
			return Result{}, err
		}
		if prevVersion > 0 {
			if err := e.archive(localPath, prevVersion); err != nil {
				return Result{}, err
			}
		}
		newEntry.Version = prevVersion + 1
		if err := e.Store.AddVersion(ctx, filename, newEntry.Version, newEntry); err != nil {
			return Result{}, err
		}
	} else {
		newEntry.Version = 1
		if err := e.Store.Put(ctx, filename, newEntry); err != nil {
			return Result{}, err
		}
	}

	if err := e.atomicWrite(localPath, resp.Body); err != nil {
		return Result{}, err
	}
	if err := os.Chtimes(localPath, effectiveLastModified, effectiveLastModified); err != nil {
		return Result{}, errors.Wrap(err, "setting mtime")
	}

	return Result{LocalPath: localPath, Entry: newEntry, IsNewFile: true}, nil
}

func firstNonZero(times ...time.Time) time.Time {
	for _, t := range times {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// atomicWrite writes data to a temp sibling of path (suffixed with a ULID
// to stay collision-free under concurrent writers to the same directory),
// fsyncs it, and renames it into place. The temp file is removed on any
// exit path that does not reach the rename.
func (e *Engine) atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating directory")
	}

	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+newULID()+".tmp")

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, werr := f.Write(data); werr != nil {
		f.Close()
		return errors.Wrap(werr, "writing temp file")
	}
	if serr := f.Sync(); serr != nil {
		f.Close()
		return errors.Wrap(serr, "syncing temp file")
	}
	if cerr := f.Close(); cerr != nil {
		return errors.Wrap(cerr, "closing temp file")
	}

	if rerr := os.Rename(tmpPath, path); rerr != nil {
		return errors.Wrap(rerr, "renaming into place")
	}
	return nil
}

func newULID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	return id.String()
}

// archive moves the current local file to <dir>/.ver/<stem>_<prevVersion:04>.<ext>.
func (e *Engine) archive(localPath string, prevVersion int) error {
	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		return nil
	}

	dir := filepath.Dir(localPath)
	verDir := filepath.Join(dir, ".ver")
	if err := os.MkdirAll(verDir, 0o755); err != nil {
		return errors.Wrap(err, "creating .ver directory")
	}

	ext := filepath.Ext(localPath)
	stem := strings.TrimSuffix(filepath.Base(localPath), ext)
	archivedPath := filepath.Join(verDir, fmt.Sprintf("%s_%04d%s", stem, prevVersion, ext))

	if err := os.Rename(localPath, archivedPath); err != nil {
		return errors.Wrap(err, "archiving previous version")
	}
	return nil
}

// ensureVersionDirScanned performs the one-time .ver/ directory scan for
// dir, registering discovered ordinals via index.EnsureVersionExists, per
// spec.md §4.4's "Version directory scan." Prior versions may live as loose
// files directly under .ver/, or be packed into a sibling pack.zip by an
// out-of-band tool (spec.md §6); both are scanned.
func (e *Engine) ensureVersionDirScanned(ctx context.Context, filename, dir string) error {
	if e.scannedDirs[dir] {
		return nil
	}
	e.scannedDirs[dir] = true

	verDir := filepath.Join(dir, ".ver")
	entries, err := os.ReadDir(verDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "scanning .ver directory")
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "pack.zip" {
			continue
		}

		version, ok := versionFromName(name)
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if err := e.Store.EnsureVersionExists(ctx, filename, version, index.Entry{
			LastModified: info.ModTime().UTC(),
			Version:      version,
		}); err != nil {
			return err
		}
	}

	return e.scanPackZip(ctx, filename, filepath.Join(verDir, "pack.zip"))
}

// scanPackZip registers the ordinals packed into a prior-versions archive,
// using each entry's stored modification time as the ordinal's
// LastModified stamp.
func (e *Engine) scanPackZip(ctx context.Context, filename, packPath string) error {
	r, err := zip.OpenReader(packPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "opening pack.zip")
	}
	defer r.Close()

	for _, f := range r.File {
		version, ok := versionFromName(filepath.Base(f.Name))
		if !ok {
			continue
		}

		if err := e.Store.EnsureVersionExists(ctx, filename, version, index.Entry{
			LastModified: f.Modified.UTC(),
			Version:      version,
		}); err != nil {
			return err
		}
	}
	return nil
}

// versionFromName extracts the trailing "_<version>" ordinal from an
// archived version filename's stem (e.g. "sp-p000407-cs_0003.json").
func versionFromName(name string) (int, bool) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	idx := strings.LastIndexByte(stem, '_')
	if idx < 0 {
		return 0, false
	}
	version, err := strconv.Atoi(stem[idx+1:])
	if err != nil {
		return 0, false
	}
	return version, true
}

// ReadBody reads a local file's body back, used by callers reconstructing
// a synthesized etag or validating an existing entry against disk.
func ReadBody(localPath string) ([]byte, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

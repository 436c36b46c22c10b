package persist

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capyvara/divulga-crawler/internal/index"
)

func newTestEngine(t *testing.T) (*Engine, *index.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := filepath.Join(dir, "store")
	return NewEngine(root, true, store), store
}

func TestPersistNewFileWritesBodyAndIndex(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Persist(ctx, "br-e000544-f.json", "544/dados/br/br-e000544-f.json", Response{
		StatusCode:   200,
		LastModified: time.Date(2022, 10, 3, 12, 0, 0, 0, time.UTC),
		ETag:         "v1",
		Body:         []byte("hello"),
	})
	require.NoError(t, err)
	assert.True(t, res.IsNewFile)
	assert.Equal(t, 1, res.Entry.Version)

	body, err := ReadBody(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestPersistUnchangedEtagSkipsRewrite(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Persist(ctx, "f.json", "f.json", Response{
		StatusCode: 200, ETag: "v1", Body: []byte("one"),
	})
	require.NoError(t, err)

	second, err := e.Persist(ctx, "f.json", "f.json", Response{
		StatusCode: 200, ETag: "v1", Body: []byte("one"),
	})
	require.NoError(t, err)

	assert.False(t, second.IsNewFile)
	assert.Equal(t, first.Entry.Version, second.Entry.Version)
}

func TestPersist304WithExistingEntry(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Persist(ctx, "f.json", "f.json", Response{
		StatusCode: 200, ETag: "v1", Body: []byte("one"),
	})
	require.NoError(t, err)

	res, err := e.Persist(ctx, "f.json", "f.json", Response{StatusCode: 304})
	require.NoError(t, err)
	assert.False(t, res.IsNewFile)
}

func TestPersist304WithoutEntryIsStale(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Persist(ctx, "f.json", "f.json", Response{StatusCode: 304})
	assert.ErrorIs(t, err, ErrStaleValidator)
}

func TestPersistNewVersionArchivesOldBody(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Persist(ctx, "a-e000544-r.json", "a-e000544-r.json", Response{
		StatusCode: 200, ETag: "v1", Body: []byte("body-v1"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.Entry.Version)

	second, err := e.Persist(ctx, "a-e000544-r.json", "a-e000544-r.json", Response{
		StatusCode: 200, ETag: "v2", Body: []byte("body-v2-longer"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, second.Entry.Version)

	curBody, err := ReadBody(second.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "body-v2-longer", string(curBody))

	archivedPath := filepath.Join(filepath.Dir(second.LocalPath), ".ver", "a-e000544-r_0001.json")
	archivedBody, err := ReadBody(archivedPath)
	require.NoError(t, err)
	assert.Equal(t, "body-v1", string(archivedBody))
}

func TestPersistWithoutKeepOldVersionsOverwritesInPlace(t *testing.T) {
	dir := t.TempDir()
	store, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := NewEngine(filepath.Join(dir, "store"), false, store)
	ctx := context.Background()

	first, err := e.Persist(ctx, "f.json", "f.json", Response{StatusCode: 200, ETag: "v1", Body: []byte("one")})
	require.NoError(t, err)
	require.Equal(t, 1, first.Entry.Version)

	second, err := e.Persist(ctx, "f.json", "f.json", Response{StatusCode: 200, ETag: "v2", Body: []byte("two")})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Entry.Version)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(second.LocalPath), ".ver"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsureVersionDirScannedRegistersOnDiskOrdinals(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	dir := filepath.Join(e.Root, "nested")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ver"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ver", "f_0003.json"), []byte("old"), 0o644))

	require.NoError(t, e.ensureVersionDirScanned(ctx, "f.json", dir))

	_, ok, err := store.HistoricalVersion(ctx, "f.json", 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnsureVersionDirScannedRegistersPackZipOrdinals(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	dir := filepath.Join(e.Root, "nested")
	verDir := filepath.Join(dir, ".ver")
	require.NoError(t, os.MkdirAll(verDir, 0o755))

	packPath := filepath.Join(verDir, "pack.zip")
	f, err := os.Create(packPath)
	require.NoError(t, err)

	w := zip.NewWriter(f)
	stamp := time.Date(2022, 10, 2, 12, 0, 0, 0, time.UTC)
	hdr := &zip.FileHeader{Name: "f_0001.json", Method: zip.Deflate}
	hdr.Modified = stamp
	entryWriter, err := w.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = entryWriter.Write([]byte("old"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	require.NoError(t, e.ensureVersionDirScanned(ctx, "f.json", dir))

	entry, ok, err := store.HistoricalVersion(ctx, "f.json", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stamp.Equal(entry.LastModified))
}

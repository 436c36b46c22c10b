package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capyvara/divulga-crawler/internal/classify"
	"github.com/capyvara/divulga-crawler/internal/config"
	"github.com/capyvara/divulga-crawler/internal/index"
	"github.com/capyvara/divulga-crawler/internal/persist"
)

func newTestValidateEngine(t *testing.T) (*persist.Engine, *index.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := index.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return persist.NewEngine(filepath.Join(dir, "store"), true, store), store
}

func TestValidatePredicateDropsEntryWithMissingLocalFile(t *testing.T) {
	eng, _ := newTestValidateEngine(t)
	cfg := config.Default()
	cfg.Elections = []int{544}

	a, err := classify.Parse("sp-e000544-f.json")
	require.NoError(t, err)

	predicate := NewValidatePredicate(cfg, eng)
	keep, err := predicate(a.Filename, index.Entry{LastModified: time.Now()})
	require.NoError(t, err)
	assert.False(t, keep)
}

func TestValidatePredicateKeepsEntryWithFreshLocalFile(t *testing.T) {
	eng, _ := newTestValidateEngine(t)
	cfg := config.Default()
	cfg.Elections = []int{544}

	a, err := classify.Parse("sp-e000544-f.json")
	require.NoError(t, err)

	localPath := eng.LocalPath(a.RemotePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(localPath), 0o755))
	require.NoError(t, os.WriteFile(localPath, []byte("body"), 0o644))
	info, err := os.Stat(localPath)
	require.NoError(t, err)

	predicate := NewValidatePredicate(cfg, eng)
	keep, err := predicate(a.Filename, index.Entry{LastModified: info.ModTime()})
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestValidatePredicateDropsEntryWithMismatchedElection(t *testing.T) {
	eng, _ := newTestValidateEngine(t)
	cfg := config.Default()
	cfg.Elections = []int{999}

	a, err := classify.Parse("sp-e000544-f.json")
	require.NoError(t, err)

	localPath := eng.LocalPath(a.RemotePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(localPath), 0o755))
	require.NoError(t, os.WriteFile(localPath, []byte("body"), 0o644))

	predicate := NewValidatePredicate(cfg, eng)
	keep, err := predicate(a.Filename, index.Entry{LastModified: time.Now()})
	require.NoError(t, err)
	assert.False(t, keep)
}

func TestValidatePredicateReconstructsPictureMetadataPath(t *testing.T) {
	eng, _ := newTestValidateEngine(t)
	cfg := config.Default()
	cfg.Elections = []int{544}

	filename := "010000000123.jpeg"
	relPath := classify.PicturePath("544", "ac", "010000000123")
	localPath := eng.LocalPath(relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(localPath), 0o755))
	require.NoError(t, os.WriteFile(localPath, []byte("jpeg"), 0o644))
	info, err := os.Stat(localPath)
	require.NoError(t, err)

	md, err := json.Marshal(pictureMetadata{Election: "544"})
	require.NoError(t, err)

	predicate := NewValidatePredicate(cfg, eng)
	keep, err := predicate(filename, index.Entry{LastModified: info.ModTime(), Metadata: string(md)})
	require.NoError(t, err)
	assert.True(t, keep)
}

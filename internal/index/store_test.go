package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetAbsent(t *testing.T) {
	s := openTemp(t)
	_, ok, err := s.Get(context.Background(), "missing.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddVersionThenGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second).UTC()
	require.NoError(t, s.AddVersion(ctx, "br-e000544-f.json", 1, Entry{
		LastModified: now,
		ETag:         `"abc"`,
		Metadata:     "",
	}))

	e, ok, err := s.Get(ctx, "br-e000544-f.json")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, e.Version)
	assert.Equal(t, `"abc"`, e.ETag)
	assert.True(t, e.LastModified.Equal(now))
}

func TestAddVersionRejectsNonIncreasing(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.AddVersion(ctx, "f.json", 2, Entry{ETag: "v2"}))
	err := s.AddVersion(ctx, "f.json", 2, Entry{ETag: "v2-again"})
	assert.Error(t, err)
	err = s.AddVersion(ctx, "f.json", 1, Entry{ETag: "v1"})
	assert.Error(t, err)
}

func TestPutUpdatesCurrentInPlace(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.AddVersion(ctx, "f.json", 1, Entry{ETag: "v1"}))
	require.NoError(t, s.Put(ctx, "f.json", Entry{ETag: "v1-updated"}))

	e, ok, err := s.Get(ctx, "f.json")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, e.Version)
	assert.Equal(t, "v1-updated", e.ETag)
}

func TestPutCreatesFirstVersionWhenAbsent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "new.json", Entry{ETag: "v1"}))

	version, err := s.GetCurrentVersion(ctx, "new.json")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestAddManyAndItems(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.AddMany(ctx, []Pair{
		{Filename: "a.json", Entry: Entry{ETag: "a"}},
		{Filename: "b.json", Entry: Entry{ETag: "b"}},
	}))

	seen := map[string]string{}
	require.NoError(t, s.Items(ctx, func(filename string, e Entry) error {
		seen[filename] = e.ETag
		return nil
	}))

	assert.Equal(t, map[string]string{"a.json": "a", "b.json": "b"}, seen)
}

func TestRemoveMany(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.AddMany(ctx, []Pair{
		{Filename: "a.json", Entry: Entry{ETag: "a"}},
		{Filename: "b.json", Entry: Entry{ETag: "b"}},
	}))
	require.NoError(t, s.RemoveMany(ctx, []string{"a.json"}))

	_, ok, err := s.Get(ctx, "a.json")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "b.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHistoricalVersionSurvivesPromotion(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.AddVersion(ctx, "f.json", 1, Entry{ETag: "v1"}))
	require.NoError(t, s.AddVersion(ctx, "f.json", 2, Entry{ETag: "v2"}))

	old, ok, err := s.HistoricalVersion(ctx, "f.json", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", old.ETag)

	cur, ok, err := s.Get(ctx, "f.json")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", cur.ETag)
}

func TestEnsureVersionExistsDoesNotPromote(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.AddVersion(ctx, "f.json", 3, Entry{ETag: "v3"}))
	require.NoError(t, s.EnsureVersionExists(ctx, "f.json", 1, Entry{ETag: "v1"}))

	version, err := s.GetCurrentVersion(ctx, "f.json")
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	old, ok, err := s.HistoricalVersion(ctx, "f.json", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", old.ETag)
}

func TestValidateRemovesFailingEntries(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.AddMany(ctx, []Pair{
		{Filename: "keep.json", Entry: Entry{ETag: "k"}},
		{Filename: "drop.json", Entry: Entry{ETag: "d"}},
	}))

	removed, err := s.Validate(ctx, func(filename string, e Entry) (bool, error) {
		return filename == "keep.json", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := s.Get(ctx, "keep.json")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.Get(ctx, "drop.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrek82/jormpool/config"
	"github.com/shrek82/jormpool/logger"
)

func TestRegistrySharesDatabases(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	ctx := context.Background()
	dsn := seededDSN(t)

	a, err := r.Open(ctx, &config.Config{Driver: "sqlite3", URL: dsn}, WithLogger(logger.Discard()))
	require.NoError(t, err)
	b, err := r.Open(ctx, &config.Config{Driver: "sqlite3", URL: dsn, MaxConnections: 3})
	require.NoError(t, err)
	assert.Same(t, a, b, "pool sizing does not change the identity")

	path := filepath.Join(t.TempDir(), "db.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver: sqlite3\nurl: \""+dsn+"\"\n"), 0o600))
	c, err := r.OpenFile(ctx, path)
	require.NoError(t, err)
	assert.Same(t, a, c)
	assert.Equal(t, 1, r.Len())

	other, err := r.Open(ctx, &config.Config{Driver: "sqlite3", URL: seededDSN(t)}, WithLogger(logger.Discard()))
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.Close())
	assert.True(t, a.Closed())
	assert.True(t, other.Closed())
	assert.Equal(t, 0, r.Len())
}

func TestRegistryReopensClosedDatabase(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	ctx := context.Background()
	cfg := &config.Config{Driver: "sqlite3", URL: seededDSN(t)}

	a, err := r.Open(ctx, cfg, WithLogger(logger.Discard()))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := r.Open(ctx, cfg, WithLogger(logger.Discard()))
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.False(t, b.Closed())
}

func TestRegistryOpenFileMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.OpenFile(context.Background(), filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestRegistrySchemaCache(t *testing.T) {
	r := NewRegistry()
	loads := 0
	load := func() (any, error) {
		loads++
		return map[string]string{"items": "id"}, nil
	}

	s1, err := r.Schema("main", load)
	require.NoError(t, err)
	s2, err := r.Schema("main", load)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, loads)

	_, err = r.Schema("broken", func() (any, error) { return nil, errors.New("unreadable") })
	require.Error(t, err)
	s3, err := r.Schema("broken", load)
	require.NoError(t, err, "failed loads are not cached")
	assert.NotNil(t, s3)
	assert.Equal(t, 2, loads)
}

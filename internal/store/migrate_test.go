package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinflow/twinflow/internal/engine"
)

func TestMigrateLifecycle(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.MigrateUp("migrations"))
	v, dirty, err := s.MigrateVersion("migrations")
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)

	// No pending changes is not an error.
	require.NoError(t, s.MigrateUp("migrations"))

	// The migrated schema is usable over the inline baseline.
	require.NoError(t, s.InsertSample(engine.RealWorldSample{Scope: "a", SpeedKmh: 30}))

	require.NoError(t, s.MigrateDown("migrations"))
	v, dirty, err = s.MigrateVersion("migrations")
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	// The down migration dropped the tables.
	var n int
	err = s.QueryRow(`SELECT COUNT(*) FROM real_traffic_samples`).Scan(&n)
	assert.Error(t, err)
}

func TestMigrateVersionBeforeAnyMigration(t *testing.T) {
	s := testStore(t)
	v, dirty, err := s.MigrateVersion("migrations")
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)
}

func TestMigrateMissingDirectory(t *testing.T) {
	s := testStore(t)
	assert.Error(t, s.MigrateUp("no-such-dir"))
}

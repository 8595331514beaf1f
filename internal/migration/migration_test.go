package migration

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	upSQL, err := io.ReadAll(up)
	require.NoError(t, err)
	_ = up.Close()
	assert.Contains(t, strings.ToLower(string(upSQL)), "billable_usage_remittances")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	_ = down.Close()
}

func TestRunMigrationsRequiresDatabase(t *testing.T) {
	_, err := RunMigrations(nil)
	assert.ErrorIs(t, err, ErrNoDatabase)
}

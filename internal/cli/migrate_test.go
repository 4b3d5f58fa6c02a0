package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/rollout/internal/config"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

func TestPostgresDSN(t *testing.T) {
	dsn, err := postgresDSN(config.StoreConfig{Driver: config.StorePostgres, DSN: "postgres://localhost/rollout"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/rollout", dsn)

	_, err = postgresDSN(config.StoreConfig{Driver: config.StoreFile})
	assert.True(t, rerrors.IsKind(err, rerrors.KindConfig))

	_, err = postgresDSN(config.StoreConfig{Driver: config.StorePostgres})
	assert.True(t, rerrors.IsKind(err, rerrors.KindConfig))
}

func TestMigrateCommands(t *testing.T) {
	var names []string
	for _, c := range migrateCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down", "status"}, names)
}

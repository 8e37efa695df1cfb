package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionDocConversion(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pos := PlayerPosition{Location: geom.Location{X: 1, Y: -2, Z: 3}, Facing: geom.Rotation{Y: 1}}

	doc := docOf("alice", pos, now)
	assert.Equal(t, "alice", doc.PlayerID)
	assert.Equal(t, now, doc.UpdatedAt)

	back := doc.position()
	assert.Equal(t, pos.Location, back.Location)
	assert.Equal(t, pos.Facing, back.Facing)
	assert.Equal(t, now, back.UpdatedAt)
}

// TestMongoPositionRepo требует запущенный MongoDB (CELLGRID_TEST_MONGO_URI)
func TestMongoPositionRepo(t *testing.T) {
	uri := os.Getenv("CELLGRID_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CELLGRID_TEST_MONGO_URI не задан")
	}
	ctx := context.Background()

	repo, err := NewMongoPositionRepo(ctx, MongoConfig{URI: uri, Database: "cellgrid_test", Collection: "pos_" + uuid.NewString()[:8]})
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.collection.Drop(context.Background())
		repo.Close()
	})

	expected := PlayerPosition{Location: geom.Location{X: 10, Y: 20, Z: -3}, Facing: geom.IdentityRotation}
	require.NoError(t, repo.Save(ctx, "alice", expected))

	actual, found, err := repo.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found, "Позиция не найдена")
	assert.Equal(t, expected.Location, actual.Location)
	assert.Equal(t, expected.Facing, actual.Facing)

	_, found, err = repo.Load(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)

	err = repo.BatchSave(ctx, map[string]PlayerPosition{"bob": {}, "": {}})
	assert.ErrorIs(t, err, ErrInvalidPlayerID)
	_, found, err = repo.Load(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, found, "Пакет с ошибкой не записывается")

	require.NoError(t, repo.BatchSave(ctx, map[string]PlayerPosition{
		"alice": {Location: geom.Location{X: 1}},
		"bob":   {Location: geom.Location{X: 2}},
	}))
	actual, _, err = repo.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1.0, actual.Location.X, "Пакет перезаписывает существующую позицию")

	require.NoError(t, repo.Delete(ctx, "bob"))
	assert.ErrorIs(t, repo.Delete(ctx, "bob"), ErrPositionNotFound)
}

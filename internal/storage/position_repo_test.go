package storage

import (
	"context"
	"math"
	"testing"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryPositionRepo тестирует in-memory репозиторий позиций
func TestMemoryPositionRepo(t *testing.T) {
	repo := NewMemoryPositionRepo()
	ctx := context.Background()

	t.Run("Save and Load", func(t *testing.T) {
		expected := PlayerPosition{Location: geom.Location{X: 10, Y: 20, Z: -3}, Facing: geom.IdentityRotation}
		require.NoError(t, repo.Save(ctx, "alice", expected))

		actual, found, err := repo.Load(ctx, "alice")
		require.NoError(t, err)
		require.True(t, found, "Позиция не найдена")
		assert.Equal(t, expected.Location, actual.Location)
		assert.False(t, actual.UpdatedAt.IsZero())
	})

	t.Run("Load Non-Existent Player", func(t *testing.T) {
		pos, found, err := repo.Load(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, PlayerPosition{}, pos)
	})

	t.Run("Invalid Input", func(t *testing.T) {
		assert.ErrorIs(t, repo.Save(ctx, "", PlayerPosition{}), ErrInvalidPlayerID)

		bad := PlayerPosition{Location: geom.Location{X: math.NaN()}}
		assert.ErrorIs(t, repo.Save(ctx, "bob", bad), ErrInvalidPosition)

		_, _, err := repo.Load(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidPlayerID)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, "carol", PlayerPosition{}))
		require.NoError(t, repo.Delete(ctx, "carol"))
		assert.ErrorIs(t, repo.Delete(ctx, "carol"), ErrPositionNotFound)
	})

	t.Run("BatchSave validates all before writing", func(t *testing.T) {
		before := repo.Count()
		err := repo.BatchSave(ctx, map[string]PlayerPosition{
			"dave": {Location: geom.Location{X: 1}},
			"":     {},
		})
		assert.ErrorIs(t, err, ErrInvalidPlayerID)
		assert.Equal(t, before, repo.Count())

		require.NoError(t, repo.BatchSave(ctx, map[string]PlayerPosition{
			"dave": {Location: geom.Location{X: 1}},
			"erin": {Location: geom.Location{X: 2}},
		}))
		assert.Equal(t, before+2, repo.Count())
	})

	t.Run("Cancelled Context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, repo.Save(cctx, "frank", PlayerPosition{}), context.Canceled)
	})
}

func TestPlayerPositionTransform(t *testing.T) {
	pos := PlayerPosition{Location: geom.Location{X: 4, Y: 5, Z: 6}}
	tr := pos.Transform()

	require.NoError(t, tr.Validate())
	loc, ok := tr.Position.Location()
	require.True(t, ok)
	assert.Equal(t, pos.Location, loc)
	assert.Equal(t, geom.IdentityRotation, tr.Rotation, "нулевой кватернион нормализуется в единичный")
}

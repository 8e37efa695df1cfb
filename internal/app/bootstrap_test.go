package app

import (
	"context"
	"testing"

	"github.com/annel0/cellgrid/internal/config"
	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/storage"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/annel0/cellgrid/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBusWithoutURL(t *testing.T) {
	bus, embedded, err := OpenBus(config.EventBusConfig{})
	require.NoError(t, err)
	defer bus.Close()
	assert.True(t, embedded, "Без URL родитель запускается в процессе")
}

func TestOpenPositionsDefaultsToMemory(t *testing.T) {
	repo, closeFn, err := OpenPositions(context.Background(), config.StorageConfig{})
	require.NoError(t, err)
	defer closeFn()
	_, ok := repo.(*storage.MemoryPositionRepo)
	assert.True(t, ok)
}

func TestOpenWorldRoundTrip(t *testing.T) {
	cfg := config.StorageConfig{WorldPath: t.TempDir()}
	layout := topology.DefaultRegionLayout

	store := world.NewStore(layout)
	closeFn, err := OpenWorld(cfg, store)
	require.NoError(t, err)

	loc := geom.Vec2{X: 1, Y: -1}
	region, err := world.NewEmptyRegion(loc, world.DefaultRegionGrid, world.DefaultRegionGrid)
	require.NoError(t, err)
	require.NoError(t, store.LoadRegion(region))
	store.AddActor(world.Actor{ID: "tree-1", Location: geom.Location{X: 130, Y: 0, Z: -10}})
	require.Equal(t, loc, layout.RegionOf(geom.Vec3{X: 130, Z: -10}))
	require.NoError(t, closeFn(), "Закрытие сохраняет регионы")

	restored := world.NewStore(layout)
	closeFn, err = OpenWorld(cfg, restored)
	require.NoError(t, err)
	defer closeFn()

	_, ok := restored.Region(loc)
	assert.True(t, ok)
	assert.Len(t, restored.ActorsInRegion(loc), 1)
}

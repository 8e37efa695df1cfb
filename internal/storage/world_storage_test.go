package storage

import (
	"testing"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/annel0/cellgrid/internal/world"
	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStorage(t *testing.T) *WorldStorage {
	t.Helper()
	storage, err := NewWorldStorage(t.TempDir())
	require.NoError(t, err, "Не удалось создать хранилище")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestSaveAndLoadRegion(t *testing.T) {
	storage := setupTestStorage(t)

	loc := geom.Vec2{X: -3, Y: 4}
	region, err := world.NewEmptyRegion(loc, world.DefaultRegionGrid, world.DefaultRegionGrid)
	require.NoError(t, err)

	chunk, err := region.ChunkAt(geom.Vec2{X: 2, Y: 5})
	require.NoError(t, err)
	chunk.SetBlock(geom.Vec2{X: 1, Y: 15}, 77)

	actors := []world.Actor{{
		ID:       "statue",
		Location: geom.Location{X: -300, Y: 0, Z: 600},
		MetaTags: []world.MetaTag{{Key: "material", Value: "marble"}},
	}}
	require.NoError(t, storage.SaveRegion(region, actors))

	loaded, loadedActors, err := storage.LoadRegion(loc)
	require.NoError(t, err)
	assert.Equal(t, 64, loaded.ChunkCount())

	got, err := loaded.ChunkAt(geom.Vec2{X: 2, Y: 5})
	require.NoError(t, err)
	assert.Equal(t, world.BlockID(77), got.GetBlock(geom.Vec2{X: 1, Y: 15}))
	assert.Equal(t, actors, loadedActors)

	locs, err := storage.RegionLocations()
	require.NoError(t, err)
	assert.Equal(t, []geom.Vec2{loc}, locs)
}

func TestLoadRegionNotFound(t *testing.T) {
	storage := setupTestStorage(t)

	_, _, err := storage.LoadRegion(geom.Vec2{X: 1, Y: 1})
	assert.ErrorIs(t, err, ErrRegionNotFound)
}

func TestLoadRegionRejectsMalformedRecord(t *testing.T) {
	storage := setupTestStorage(t)
	loc := geom.Vec2{X: 0, Y: 0}

	record := RegionRecord{Location: loc, Width: 2, Height: 2}
	for i := 0; i < 3; i++ {
		record.Chunks = append(record.Chunks, ChunkRecord{
			Coords: geom.Vec2{X: i % 2, Y: i / 2},
			Blocks: make([]world.BlockID, world.ChunkSize*world.ChunkSize),
		})
	}
	require.NoError(t, storage.put(regionKey(loc), record))

	_, _, err := storage.LoadRegion(loc)
	assert.ErrorIs(t, err, world.ErrMalformedWorldData)

	store := world.NewStore(topology.DefaultRegionLayout)
	loaded, rejected, err := storage.RestoreInto(store)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded)
	assert.Equal(t, []geom.Vec2{loc}, rejected)
	assert.Empty(t, store.LoadedRegions())
}

func TestLoadRegionRejectsCorruptBytes(t *testing.T) {
	storage := setupTestStorage(t)
	loc := geom.Vec2{X: 5, Y: 5}

	require.NoError(t, storage.db.Update(func(txn *badger.Txn) error {
		return txn.Set(regionKey(loc), []byte("not zstd"))
	}))

	_, _, err := storage.LoadRegion(loc)
	assert.ErrorIs(t, err, world.ErrMalformedWorldData)
}

func TestSaveAndLoadPlanet(t *testing.T) {
	storage := setupTestStorage(t)

	a, err := world.NewEmptyRegion(geom.Vec2{X: 0, Y: 0}, 2, 2)
	require.NoError(t, err)
	b, err := world.NewEmptyRegion(geom.Vec2{X: 1, Y: 0}, 2, 2)
	require.NoError(t, err)

	planet, err := world.NewPlanet(world.Actor{ID: "terra"}, []*world.Region{a, b})
	require.NoError(t, err)
	require.NoError(t, storage.SavePlanet(planet))

	loaded, err := storage.LoadPlanet("terra")
	require.NoError(t, err)
	assert.Equal(t, "terra", loaded.Actor.ID)
	require.Len(t, loaded.Regions, 2)
	assert.Equal(t, geom.Vec2{X: 1, Y: 0}, loaded.Regions[1].Location)

	_, err = storage.LoadPlanet("mars")
	assert.ErrorIs(t, err, ErrPlanetNotFound)
}

func TestClosedStorage(t *testing.T) {
	storage, err := NewWorldStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, storage.Close())
	require.NoError(t, storage.Close())

	_, _, err = storage.LoadRegion(geom.Vec2{})
	assert.ErrorIs(t, err, ErrStorageClosed)
}

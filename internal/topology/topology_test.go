package topology

import (
	"testing"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGrid(t *testing.T) Grid {
	t.Helper()
	g, err := NewGrid(64)
	require.NoError(t, err)
	return g
}

func TestNewGridRejectsBadSize(t *testing.T) {
	_, err := NewGrid(0)
	assert.ErrorIs(t, err, ErrInvalidCellSize)
	_, err = NewGrid(-1)
	assert.ErrorIs(t, err, ErrInvalidCellSize)
}

func TestCellOfBoundaryBelongsToHigherCell(t *testing.T) {
	g := newTestGrid(t)

	assert.Equal(t, Coordinate{0, 0, 0}, g.CellOf(geom.Vec3{X: 63.999}))
	assert.Equal(t, Coordinate{1, 0, 0}, g.CellOf(geom.Vec3{X: 64}))
	assert.Equal(t, Coordinate{0, 0, 0}, g.CellOf(geom.Vec3{X: 0}))
	assert.Equal(t, Coordinate{-1, 0, 0}, g.CellOf(geom.Vec3{X: -0.001}))
	assert.Equal(t, Coordinate{-1, 0, 0}, g.CellOf(geom.Vec3{X: -64}))
	assert.Equal(t, Coordinate{-2, 0, 0}, g.CellOf(geom.Vec3{X: -64.5}))
}

func TestCellOfIsIdempotent(t *testing.T) {
	g := newTestGrid(t)
	points := []geom.Vec3{{X: 1.5, Y: -300, Z: 77}, {X: 128, Y: 128, Z: 128}, {X: -0.0001}}
	for _, p := range points {
		assert.Equal(t, g.CellOf(p), g.CellOf(p))
	}
}

func TestBoundaryDistance(t *testing.T) {
	g := newTestGrid(t)
	origin := geom.Vec3{}

	assert.Equal(t, 0.0, g.BoundaryDistance(origin, Coordinate{0, 0, 0}))
	assert.Equal(t, 64.0, g.BoundaryDistance(origin, Coordinate{1, 0, 0}))
	assert.Equal(t, 0.0, g.BoundaryDistance(origin, Coordinate{-1, 0, 0}))
	assert.InDelta(t, 90.50966799, g.BoundaryDistance(origin, Coordinate{1, 1, 0}), 1e-6)
}

func TestCellsWithinScenario(t *testing.T) {
	g := newTestGrid(t)

	cells := g.CellsWithin(geom.Vec3{}, 50)
	assert.NotContains(t, cells, Coordinate{1, 0, 0})
	// начало координат лежит на нижних гранях ячейки (0,0,0)
	assert.Contains(t, cells, Coordinate{-1, 0, 0})
	assert.Contains(t, cells, Coordinate{-1, -1, -1})
	assert.Len(t, cells, 7)

	assert.Empty(t, g.CellsWithin(geom.Vec3{X: 32, Y: 32, Z: 32}, 0))
	assert.Empty(t, g.CellsWithin(geom.Vec3{X: 32, Y: 32, Z: 32}, 32))

	center := g.CellsWithin(geom.Vec3{X: 32, Y: 32, Z: 32}, 32.5)
	assert.Len(t, center, 6)
}

func TestForwardTreeVisitsEachCellOnce(t *testing.T) {
	g := newTestGrid(t)
	origin := geom.Vec3{X: 10, Y: 20, Z: 30}
	radius := 200.0
	home := g.CellOf(origin)

	expected := map[Coordinate]bool{}
	for _, c := range g.CellsWithin(origin, radius) {
		expected[c] = true
	}

	visited := map[Coordinate]int{}
	queue := []Coordinate{home}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range ForwardChildren(home, cur) {
			if g.BoundaryDistance(origin, child) >= radius {
				continue
			}
			visited[child]++
			queue = append(queue, child)
		}
	}

	assert.Equal(t, len(expected), len(visited))
	for c, n := range visited {
		assert.Equal(t, 1, n, "ячейка %s посещена %d раз", c, n)
		assert.True(t, expected[c])
	}
}

func TestForwardParent(t *testing.T) {
	home := Coordinate{0, 0, 0}
	assert.Equal(t, Coordinate{1, 0, -1}, ForwardParent(home, Coordinate{2, 0, -2}))
	assert.Equal(t, home, ForwardParent(home, Coordinate{1, 1, 1}))
	assert.Len(t, Adjacent(home), 26)
	assert.Len(t, ForwardChildren(home, home), 26)
	// от (1,0,0) вперёд только ячейки с x=2
	for _, c := range ForwardChildren(home, Coordinate{1, 0, 0}) {
		assert.Equal(t, 2, c.X)
	}
}

func TestCoordinateKeyRoundTrip(t *testing.T) {
	c := Coordinate{X: -3, Y: 0, Z: 12}
	parsed, err := ParseKey(c.Key())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
	_, err = ParseKey("1.2")
	assert.Error(t, err)
}

func TestOverflows(t *testing.T) {
	g := newTestGrid(t)
	center := geom.Vec3{X: 32, Y: 32, Z: 32}
	assert.False(t, g.Overflows(center, 10, Coordinate{}))
	assert.True(t, g.Overflows(center, 40, Coordinate{}))
	assert.True(t, g.Overflows(center, 1, Coordinate{X: 1}))
}

func TestRegionLayout(t *testing.T) {
	l := DefaultRegionLayout
	assert.Equal(t, 128, l.RegionSize())
	assert.Equal(t, geom.Vec2{X: 1, Y: -1}, l.RegionOf(geom.Vec3{X: 130, Z: -1}))
	assert.Equal(t, geom.Vec2{X: 0, Y: 7}, l.ChunkInRegion(geom.Vec3{X: 130, Z: -1}))
}

package topology

import (
	"errors"
	"fmt"
	"math"

	"github.com/annel0/cellgrid/internal/geom"
)

// ErrInvalidCellSize - размер ячейки должен быть положительным и конечным
var ErrInvalidCellSize = errors.New("invalid cell size")

// Box - axis-aligned параллелепипед ячейки
type Box struct {
	Min geom.Vec3
	Max geom.Vec3
}

// Grid отображает мировые координаты на ячейки фиксированного размера.
// Ячейка k по оси занимает полуинтервал [k*size, (k+1)*size): точка на границе
// принадлежит ячейке с большим индексом.
type Grid struct {
	CellSize float64
}

// NewGrid создаёт сетку с проверкой размера
func NewGrid(cellSize float64) (Grid, error) {
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		return Grid{}, fmt.Errorf("%w: %g", ErrInvalidCellSize, cellSize)
	}
	return Grid{CellSize: cellSize}, nil
}

// CellOf возвращает ячейку, которой принадлежит точка
func (g Grid) CellOf(p geom.Vec3) Coordinate {
	return Coordinate{
		X: g.axisCell(p.X),
		Y: g.axisCell(p.Y),
		Z: g.axisCell(p.Z),
	}
}

func (g Grid) axisCell(v float64) int {
	return int(math.Floor(v / g.CellSize))
}

// Bounds возвращает границы ячейки
func (g Grid) Bounds(c Coordinate) Box {
	s := g.CellSize
	return Box{
		Min: geom.Vec3{X: float64(c.X) * s, Y: float64(c.Y) * s, Z: float64(c.Z) * s},
		Max: geom.Vec3{X: float64(c.X+1) * s, Y: float64(c.Y+1) * s, Z: float64(c.Z+1) * s},
	}
}

// BoundaryDistance - евклидово расстояние от точки до ближайшей точки ячейки (0 внутри)
func (g Grid) BoundaryDistance(p geom.Vec3, c Coordinate) float64 {
	b := g.Bounds(c)
	dx := axisGap(p.X, b.Min.X, b.Max.X)
	dy := axisGap(p.Y, b.Min.Y, b.Max.Y)
	dz := axisGap(p.Z, b.Min.Z, b.Max.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func axisGap(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo - v
	case v > hi:
		return v - hi
	default:
		return 0
	}
}

// EscapeDistance - расстояние от точки внутри ячейки до ближайшей её грани.
// Для точки вне ячейки возвращает 0.
func (g Grid) EscapeDistance(p geom.Vec3, c Coordinate) float64 {
	if g.CellOf(p) != c {
		return 0
	}
	b := g.Bounds(c)
	return min(
		p.X-b.Min.X, b.Max.X-p.X,
		p.Y-b.Min.Y, b.Max.Y-p.Y,
		p.Z-b.Min.Z, b.Max.Z-p.Z,
	)
}

// Overflows сообщает, выходит ли сфера (p, r) за пределы ячейки c
func (g Grid) Overflows(p geom.Vec3, r float64, c Coordinate) bool {
	if g.CellOf(p) != c {
		return true
	}
	return r > g.EscapeDistance(p, c)
}

// CellsWithin перечисляет все ячейки, кроме ячейки самой точки, расстояние до которых
// строго меньше r. Порядок: по X, затем Y, затем Z.
func (g Grid) CellsWithin(p geom.Vec3, r float64) []Coordinate {
	if !(r > 0) || math.IsInf(r, 0) {
		return nil
	}

	home := g.CellOf(p)
	lo := g.CellOf(geom.Vec3{X: p.X - r, Y: p.Y - r, Z: p.Z - r})
	hi := g.CellOf(geom.Vec3{X: p.X + r, Y: p.Y + r, Z: p.Z + r})

	var out []Coordinate
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for z := lo.Z; z <= hi.Z; z++ {
				c := Coordinate{X: x, Y: y, Z: z}
				if c == home {
					continue
				}
				if g.BoundaryDistance(p, c) < r {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

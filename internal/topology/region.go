package topology

import (
	"math"

	"github.com/annel0/cellgrid/internal/geom"
)

// RegionLayout описывает разбиение поверхности на регионы и чанки (плоскость X/Z)
type RegionLayout struct {
	ChunkSize    int // размер чанка в блоках
	RegionChunks int // сторона региона в чанках
}

// DefaultRegionLayout - чанк 16 блоков, регион 8x8 чанков
var DefaultRegionLayout = RegionLayout{ChunkSize: 16, RegionChunks: 8}

// RegionSize возвращает сторону региона в блоках
func (l RegionLayout) RegionSize() int {
	return l.ChunkSize * l.RegionChunks
}

// RegionOf возвращает координаты региона для мировой точки
func (l RegionLayout) RegionOf(p geom.Vec3) geom.Vec2 {
	size := float64(l.RegionSize())
	return geom.Vec2{
		X: int(math.Floor(p.X / size)),
		Y: int(math.Floor(p.Z / size)),
	}
}

// ChunkInRegion возвращает координаты чанка внутри его региона
func (l RegionLayout) ChunkInRegion(p geom.Vec3) geom.Vec2 {
	cs := float64(l.ChunkSize)
	cx := int(math.Floor(p.X / cs))
	cz := int(math.Floor(p.Z / cs))
	return geom.Vec2{
		X: floorMod(cx, l.RegionChunks),
		Y: floorMod(cz, l.RegionChunks),
	}
}

func floorMod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

package world

import (
	"errors"
	"fmt"

	"github.com/annel0/cellgrid/internal/geom"
)

var (
	// ErrMalformedWorldData - регион не соответствует заявленной сетке чанков
	ErrMalformedWorldData = errors.New("malformed world data")
	// ErrRegionNotLoaded - регион не материализован в хранилище
	ErrRegionNotLoaded = errors.New("region not loaded")
	// ErrChunkOutOfRange - координаты чанка вне сетки региона
	ErrChunkOutOfRange = errors.New("chunk out of range")
)

// DefaultRegionGrid - сторона региона в чанках по умолчанию (8x8 = 64 чанка)
const DefaultRegionGrid = 8

// Region владеет сеткой чанков Width x Height
type Region struct {
	Location geom.Vec2
	Width    int
	Height   int

	chunks []*Chunk // индекс y*Width + x
}

// NewRegion проверяет и собирает регион. Количество чанков должно совпадать с
// сеткой, координаты чанков уникальны и лежат в пределах сетки.
func NewRegion(location geom.Vec2, width, height int, chunks []*Chunk) (*Region, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: region %v has grid %dx%d", ErrMalformedWorldData, location, width, height)
	}
	if len(chunks) != width*height {
		return nil, fmt.Errorf("%w: region %v declares %dx%d grid but has %d chunks",
			ErrMalformedWorldData, location, width, height, len(chunks))
	}

	r := &Region{
		Location: location,
		Width:    width,
		Height:   height,
		chunks:   make([]*Chunk, width*height),
	}

	for _, c := range chunks {
		if c == nil {
			return nil, fmt.Errorf("%w: region %v contains nil chunk", ErrMalformedWorldData, location)
		}
		if c.Coords.X < 0 || c.Coords.X >= width || c.Coords.Y < 0 || c.Coords.Y >= height {
			return nil, fmt.Errorf("%w: chunk %v outside %dx%d grid of region %v",
				ErrMalformedWorldData, c.Coords, width, height, location)
		}
		idx := c.Coords.Y*width + c.Coords.X
		if r.chunks[idx] != nil {
			return nil, fmt.Errorf("%w: duplicate chunk %v in region %v", ErrMalformedWorldData, c.Coords, location)
		}
		r.chunks[idx] = c
	}

	return r, nil
}

// NewEmptyRegion создаёт регион из пустых чанков
func NewEmptyRegion(location geom.Vec2, width, height int) (*Region, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: region %v has grid %dx%d", ErrMalformedWorldData, location, width, height)
	}
	chunks := make([]*Chunk, 0, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			chunks = append(chunks, NewChunk(geom.Vec2{X: x, Y: y}))
		}
	}
	return NewRegion(location, width, height, chunks)
}

// validate повторно проверяет инварианты (регион мог быть собран литералом)
func (r *Region) validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil region", ErrMalformedWorldData)
	}
	if r.Width <= 0 || r.Height <= 0 || len(r.chunks) != r.Width*r.Height {
		return fmt.Errorf("%w: region %v declares %dx%d grid but has %d chunks",
			ErrMalformedWorldData, r.Location, r.Width, r.Height, len(r.chunks))
	}
	for i, c := range r.chunks {
		if c == nil {
			return fmt.Errorf("%w: region %v missing chunk #%d", ErrMalformedWorldData, r.Location, i)
		}
	}
	return nil
}

// ChunkAt возвращает чанк по координатам внутри региона
func (r *Region) ChunkAt(local geom.Vec2) (*Chunk, error) {
	if local.X < 0 || local.X >= r.Width || local.Y < 0 || local.Y >= r.Height {
		return nil, fmt.Errorf("%w: %v in region %v", ErrChunkOutOfRange, local, r.Location)
	}
	return r.chunks[local.Y*r.Width+local.X], nil
}

// ChunkCount возвращает количество чанков
func (r *Region) ChunkCount() int { return len(r.chunks) }

// Chunks возвращает чанки в порядке строк
func (r *Region) Chunks() []*Chunk {
	out := make([]*Chunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

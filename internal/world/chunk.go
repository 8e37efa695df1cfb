package world

import (
	"fmt"
	"sync"

	"github.com/annel0/cellgrid/internal/geom"
)

// BlockID - идентификатор типа блока
type BlockID uint16

// AirBlockID - пустой блок
const AirBlockID BlockID = 0

// ChunkSize - сторона чанка в блоках
const ChunkSize = 16

// Chunk - наименьшая адресуемая единица мира, принадлежит ровно одному региону
type Chunk struct {
	Coords geom.Vec2 // Координаты чанка внутри региона

	blocks [ChunkSize][ChunkSize]BlockID
	mu     sync.RWMutex
}

// NewChunk создаёт пустой чанк
func NewChunk(coords geom.Vec2) *Chunk {
	return &Chunk{Coords: coords}
}

// NewChunkFromBlocks создаёт чанк из плоского массива блоков (строки по Y)
func NewChunkFromBlocks(coords geom.Vec2, blocks []BlockID) (*Chunk, error) {
	if len(blocks) != ChunkSize*ChunkSize {
		return nil, fmt.Errorf("%w: chunk %v has %d blocks, want %d",
			ErrMalformedWorldData, coords, len(blocks), ChunkSize*ChunkSize)
	}
	c := NewChunk(coords)
	for i, id := range blocks {
		c.blocks[i%ChunkSize][i/ChunkSize] = id
	}
	return c, nil
}

// GetBlock возвращает блок по локальным координатам
func (c *Chunk) GetBlock(local geom.Vec2) BlockID {
	if !inChunk(local) {
		return AirBlockID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[local.X][local.Y]
}

// SetBlock устанавливает блок по локальным координатам
func (c *Chunk) SetBlock(local geom.Vec2, id BlockID) bool {
	if !inChunk(local) {
		return false
	}
	c.mu.Lock()
	c.blocks[local.X][local.Y] = id
	c.mu.Unlock()
	return true
}

// Blocks возвращает плоскую копию блоков (строки по Y)
func (c *Chunk) Blocks() []BlockID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]BlockID, 0, ChunkSize*ChunkSize)
	for y := 0; y < ChunkSize; y++ {
		for x := 0; x < ChunkSize; x++ {
			out = append(out, c.blocks[x][y])
		}
	}
	return out
}

func inChunk(local geom.Vec2) bool {
	return local.X >= 0 && local.X < ChunkSize && local.Y >= 0 && local.Y < ChunkSize
}

package world

import (
	"testing"

	"github.com/annel0/cellgrid/internal/geom"
)

func TestChunkCreateAndGetBlock(t *testing.T) {
	coords := geom.Vec2{X: 5, Y: 6}
	chunk := NewChunk(coords)

	if chunk.Coords != coords {
		t.Errorf("Ожидались координаты %v, получено %v", coords, chunk.Coords)
	}

	pos := geom.Vec2{X: 3, Y: 4}
	if id := chunk.GetBlock(pos); id != AirBlockID {
		t.Errorf("Ожидался пустой блок, получен %d", id)
	}

	if !chunk.SetBlock(pos, 7) {
		t.Fatal("SetBlock вернул false для корректных координат")
	}
	if id := chunk.GetBlock(pos); id != 7 {
		t.Errorf("Ожидался блок 7, получен %d", id)
	}

	if chunk.SetBlock(geom.Vec2{X: 16, Y: 0}, 1) {
		t.Error("SetBlock за пределами чанка должен вернуть false")
	}
}

func TestChunkFromBlocks(t *testing.T) {
	blocks := make([]BlockID, ChunkSize*ChunkSize)
	blocks[ChunkSize+2] = 9 // x=2, y=1

	chunk, err := NewChunkFromBlocks(geom.Vec2{}, blocks)
	if err != nil {
		t.Fatalf("Неожиданная ошибка: %v", err)
	}
	if id := chunk.GetBlock(geom.Vec2{X: 2, Y: 1}); id != 9 {
		t.Errorf("Ожидался блок 9, получен %d", id)
	}

	flat := chunk.Blocks()
	if flat[ChunkSize+2] != 9 {
		t.Errorf("Blocks() вернул неверный порядок")
	}

	if _, err := NewChunkFromBlocks(geom.Vec2{}, blocks[:10]); err == nil {
		t.Error("Ожидалась ошибка для неполного чанка")
	}
}

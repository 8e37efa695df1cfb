package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/world"
	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrStorageClosed - хранилище закрыто
	ErrStorageClosed = errors.New("world storage is closed")
	// ErrRegionNotFound - регион не сохранён
	ErrRegionNotFound = errors.New("region not found in storage")
	// ErrPlanetNotFound - планета не сохранена
	ErrPlanetNotFound = errors.New("planet not found in storage")
)

const (
	regionKeyPrefix = "region:"
	planetKeyPrefix = "planet:"
)

// WorldStorage хранит регионы и планеты в BadgerDB.
// Значения - JSON, сжатый zstd.
type WorldStorage struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// ChunkRecord - сериализованный чанк
type ChunkRecord struct {
	Coords geom.Vec2       `json:"coords"`
	Blocks []world.BlockID `json:"blocks"`
}

// RegionRecord - сериализованный регион вместе с акторами
type RegionRecord struct {
	Location geom.Vec2     `json:"location"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Chunks   []ChunkRecord `json:"chunks"`
	Actors   []world.Actor `json:"actors,omitempty"`
}

// PlanetRecord - актор планеты и координаты её регионов
type PlanetRecord struct {
	Actor   world.Actor `json:"actor"`
	Regions []geom.Vec2 `json:"regions"`
}

// NewWorldStorage открывает хранилище в каталоге dataPath/world
func NewWorldStorage(dataPath string) (*WorldStorage, error) {
	dbPath := filepath.Join(dataPath, "world")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("не удалось создать zstd decoder: %w", err)
	}

	return &WorldStorage{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Close закрывает хранилище данных
func (ws *WorldStorage) Close() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if !ws.isReady {
		return nil
	}
	ws.isReady = false
	ws.encoder.Close()
	ws.decoder.Close()
	return ws.db.Close()
}

func regionKey(loc geom.Vec2) []byte {
	return []byte(fmt.Sprintf("%s%d:%d", regionKeyPrefix, loc.X, loc.Y))
}

func planetKey(id string) []byte {
	return []byte(planetKeyPrefix + id)
}

func (ws *WorldStorage) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}
	packed := ws.encoder.EncodeAll(data, nil)

	if err := ws.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, packed)
	}); err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// get читает и распаковывает значение; found=false, если ключа нет
func (ws *WorldStorage) get(key []byte, v interface{}) (bool, error) {
	var packed []byte
	err := ws.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		packed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	data, err := ws.decoder.DecodeAll(packed, nil)
	if err != nil {
		return true, fmt.Errorf("%w: %s: %v", world.ErrMalformedWorldData, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("%w: %s: %v", world.ErrMalformedWorldData, key, err)
	}
	return true, nil
}

// SaveRegion сохраняет регион и его акторов
func (ws *WorldStorage) SaveRegion(r *world.Region, actors []world.Actor) error {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	if !ws.isReady {
		return ErrStorageClosed
	}

	record := RegionRecord{
		Location: r.Location,
		Width:    r.Width,
		Height:   r.Height,
		Chunks:   make([]ChunkRecord, 0, r.ChunkCount()),
		Actors:   actors,
	}
	for _, c := range r.Chunks() {
		record.Chunks = append(record.Chunks, ChunkRecord{Coords: c.Coords, Blocks: c.Blocks()})
	}

	return ws.put(regionKey(r.Location), record)
}

// LoadRegion читает регион. Запись, нарушающая сетку чанков, отклоняется
// с ErrMalformedWorldData.
func (ws *WorldStorage) LoadRegion(loc geom.Vec2) (*world.Region, []world.Actor, error) {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	if !ws.isReady {
		return nil, nil, ErrStorageClosed
	}

	var record RegionRecord
	found, err := ws.get(regionKey(loc), &record)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: %v", ErrRegionNotFound, loc)
	}

	chunks := make([]*world.Chunk, 0, len(record.Chunks))
	for _, cr := range record.Chunks {
		chunk, err := world.NewChunkFromBlocks(cr.Coords, cr.Blocks)
		if err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, chunk)
	}

	region, err := world.NewRegion(record.Location, record.Width, record.Height, chunks)
	if err != nil {
		return nil, nil, err
	}
	return region, record.Actors, nil
}

// DeleteRegion удаляет регион из хранилища
func (ws *WorldStorage) DeleteRegion(loc geom.Vec2) error {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	if !ws.isReady {
		return ErrStorageClosed
	}
	return ws.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(regionKey(loc))
	})
}

// RegionLocations перечисляет сохранённые регионы в порядке (X, Y)
func (ws *WorldStorage) RegionLocations() ([]geom.Vec2, error) {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	if !ws.isReady {
		return nil, ErrStorageClosed
	}

	var out []geom.Vec2
	err := ws.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(regionKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var loc geom.Vec2
			key := string(it.Item().Key())
			if _, err := fmt.Sscanf(key[len(regionKeyPrefix):], "%d:%d", &loc.X, &loc.Y); err != nil {
				continue
			}
			out = append(out, loc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка перечисления регионов: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out, nil
}

// SavePlanet сохраняет планету и все её регионы
func (ws *WorldStorage) SavePlanet(p *world.Planet) error {
	record := PlanetRecord{Actor: p.Actor, Regions: make([]geom.Vec2, 0, len(p.Regions))}
	for _, r := range p.Regions {
		if err := ws.SaveRegion(r, nil); err != nil {
			return err
		}
		record.Regions = append(record.Regions, r.Location)
	}

	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	if !ws.isReady {
		return ErrStorageClosed
	}
	return ws.put(planetKey(p.Actor.ID), record)
}

// LoadPlanet собирает планету из сохранённых регионов.
// Ошибка любого региона отклоняет планету целиком.
func (ws *WorldStorage) LoadPlanet(id string) (*world.Planet, error) {
	var record PlanetRecord

	ws.mutex.RLock()
	if !ws.isReady {
		ws.mutex.RUnlock()
		return nil, ErrStorageClosed
	}
	found, err := ws.get(planetKey(id), &record)
	ws.mutex.RUnlock()

	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrPlanetNotFound, id)
	}

	regions := make([]*world.Region, 0, len(record.Regions))
	for _, loc := range record.Regions {
		r, _, err := ws.LoadRegion(loc)
		if err != nil {
			return nil, fmt.Errorf("планета %s: %w", id, err)
		}
		regions = append(regions, r)
	}
	return world.NewPlanet(record.Actor, regions)
}

// RestoreInto загружает все сохранённые регионы и их акторов в хранилище мира.
// Повреждённые регионы пропускаются и возвращаются списком.
func (ws *WorldStorage) RestoreInto(store *world.Store) (loaded int, rejected []geom.Vec2, err error) {
	locs, err := ws.RegionLocations()
	if err != nil {
		return 0, nil, err
	}

	for _, loc := range locs {
		region, actors, err := ws.LoadRegion(loc)
		if err != nil {
			rejected = append(rejected, loc)
			continue
		}
		if err := store.LoadRegion(region); err != nil {
			rejected = append(rejected, loc)
			continue
		}
		for _, a := range actors {
			store.AddActor(a)
		}
		loaded++
	}
	return loaded, rejected, nil
}

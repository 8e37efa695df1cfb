package world

import (
	"fmt"

	"github.com/annel0/cellgrid/internal/geom"
)

// MetaTag - пара ключ/значение метаданных актора
type MetaTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Actor - любая неигровая сущность мира с метаданными
type Actor struct {
	ID       string        `json:"id"`
	Location geom.Location `json:"location"`
	MetaTags []MetaTag     `json:"meta_tags,omitempty"`
}

// Tag возвращает первое значение по ключу
func (a Actor) Tag(key string) (string, bool) {
	for _, t := range a.MetaTags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// clone копирует актора вместе с тегами
func (a Actor) clone() Actor {
	out := a
	if a.MetaTags != nil {
		out.MetaTags = make([]MetaTag, len(a.MetaTags))
		copy(out.MetaTags, a.MetaTags)
	}
	return out
}

// Planet объединяет идентичность актора и принадлежащие ему регионы
type Planet struct {
	Actor   Actor
	Regions []*Region
}

// NewPlanet проверяет все регионы планеты
func NewPlanet(actor Actor, regions []*Region) (*Planet, error) {
	seen := make(map[geom.Vec2]struct{}, len(regions))
	for _, r := range regions {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Location]; dup {
			return nil, fmt.Errorf("%w: planet %s has duplicate region %v", ErrMalformedWorldData, actor.ID, r.Location)
		}
		seen[r.Location] = struct{}{}
	}
	return &Planet{Actor: actor, Regions: regions}, nil
}

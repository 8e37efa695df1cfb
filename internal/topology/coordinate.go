package topology

import (
	"fmt"
	"strconv"
	"strings"
)

// Coordinate - целочисленный адрес ячейки сетки, которой владеет дочерний сервер
type Coordinate struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

// String возвращает "(x,y,z)"
func (c Coordinate) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// Key - компактное представление для ключей и NATS subject'ов: "x.y.z"
func (c Coordinate) Key() string {
	return strconv.Itoa(c.X) + "." + strconv.Itoa(c.Y) + "." + strconv.Itoa(c.Z)
}

// ParseKey разбирает строку формата Key
func ParseKey(s string) (Coordinate, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Coordinate{}, fmt.Errorf("invalid coordinate key %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Coordinate{}, fmt.Errorf("invalid coordinate key %q: %w", s, err)
		}
		vals[i] = v
	}
	return Coordinate{X: vals[0], Y: vals[1], Z: vals[2]}, nil
}

// Add складывает координаты
func (c Coordinate) Add(d Coordinate) Coordinate {
	return Coordinate{X: c.X + d.X, Y: c.Y + d.Y, Z: c.Z + d.Z}
}

// Chebyshev возвращает расстояние Чебышёва в ячейках
func (c Coordinate) Chebyshev(other Coordinate) int {
	return max(abs(c.X-other.X), abs(c.Y-other.Y), abs(c.Z-other.Z))
}

// IsAdjacent - ячейки соприкасаются гранью, ребром или вершиной
func (c Coordinate) IsAdjacent(other Coordinate) bool {
	return c.Chebyshev(other) == 1
}

// Adjacent возвращает 26 соседних координат в детерминированном порядке
func Adjacent(c Coordinate) []Coordinate {
	out := make([]Coordinate, 0, 26)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				out = append(out, Coordinate{X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz})
			}
		}
	}
	return out
}

// ForwardParent возвращает родителя ячейки c в дереве пересылки с корнем home:
// шаг на одну ячейку к home по каждой оси, где координаты различаются.
func ForwardParent(home, c Coordinate) Coordinate {
	return Coordinate{
		X: c.X - sign(c.X-home.X),
		Y: c.Y - sign(c.Y-home.Y),
		Z: c.Z - sign(c.Z-home.Z),
	}
}

// ForwardChildren возвращает соседей self, для которых self - родитель в дереве home.
// Каждая ячейка (кроме home) имеет ровно одного родителя, поэтому обход дерева
// посещает каждую ячейку один раз.
func ForwardChildren(home, self Coordinate) []Coordinate {
	var out []Coordinate
	for _, n := range Adjacent(self) {
		if n != home && ForwardParent(home, n) == self {
			out = append(out, n)
		}
	}
	return out
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

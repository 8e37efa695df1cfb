package geom

import "math"

// Vec3 представляет трехмерный вектор с плавающими координатами
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub вычитает вектор
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Mul умножает вектор на скаляр
func (v Vec3) Mul(scalar float64) Vec3 {
	return Vec3{X: v.X * scalar, Y: v.Y * scalar, Z: v.Z * scalar}
}

// Length возвращает длину вектора
func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// DistanceTo возвращает евклидово расстояние до другой точки
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Length()
}

// Lerp линейно интерполирует между v и other, t в [0,1]
func (v Vec3) Lerp(other Vec3, t float64) Vec3 {
	return v.Add(other.Sub(v).Mul(t))
}

// IsFinite проверяет, что все компоненты конечны
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Location - абсолютная позиция в мировых координатах.
// Намеренно отдельный тип: не смешивается с Translation без явного преобразования.
type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec возвращает координаты как Vec3
func (l Location) Vec() Vec3 { return Vec3{X: l.X, Y: l.Y, Z: l.Z} }

// LocationOf создаёт Location из вектора
func LocationOf(v Vec3) Location { return Location{X: v.X, Y: v.Y, Z: v.Z} }

// Translation - смещение относительно предыдущей абсолютной позиции
type Translation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec возвращает смещение как Vec3
func (t Translation) Vec() Vec3 { return Vec3{X: t.X, Y: t.Y, Z: t.Z} }

// Apply применяет смещение к абсолютной позиции
func (t Translation) Apply(base Location) Location {
	return LocationOf(base.Vec().Add(t.Vec()))
}

// Vec2 - целочисленные 2D координаты (регионы, чанки)
type Vec2 struct {
	X int `json:"x"`
	Y int `json:"y"`
}

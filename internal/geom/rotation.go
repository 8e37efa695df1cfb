package geom

import "math"

// Rotation - кватернион (x, y, z, w).
// Конструктор не нормализует; перед любыми вычислениями используется Normalized.
type Rotation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityRotation - поворот без вращения
var IdentityRotation = Rotation{W: 1}

// Norm возвращает длину кватерниона
func (r Rotation) Norm() float64 {
	return math.Sqrt(r.X*r.X + r.Y*r.Y + r.Z*r.Z + r.W*r.W)
}

// Normalized возвращает единичный кватернион. Нулевой или некорректный даёт identity.
func (r Rotation) Normalized() Rotation {
	n := r.Norm()
	if n == 0 || !isFinite(n) {
		return IdentityRotation
	}
	return Rotation{X: r.X / n, Y: r.Y / n, Z: r.Z / n, W: r.W / n}
}

// IsUnit проверяет нормировку с допуском
func (r Rotation) IsUnit() bool {
	return math.Abs(r.Norm()-1) < 1e-9
}

// Rotate поворачивает вектор (q * v * q^-1) после нормализации
func (r Rotation) Rotate(v Vec3) Vec3 {
	q := r.Normalized()
	u := Vec3{X: q.X, Y: q.Y, Z: q.Z}
	// v' = v + 2w(u×v) + 2(u×(u×v))
	uv := cross(u, v)
	uuv := cross(u, uv)
	return v.Add(uv.Mul(2 * q.W)).Add(uuv.Mul(2))
}

// Forward возвращает направление взгляда (ось +X после поворота)
func (r Rotation) Forward() Vec3 {
	return r.Rotate(Vec3{X: 1})
}

// Slerp сферически интерполирует между двумя поворотами
func (r Rotation) Slerp(other Rotation, t float64) Rotation {
	a := r.Normalized()
	b := other.Normalized()

	dot := a.X*b.X + a.Y*b.Y + a.Z*b.Z + a.W*b.W
	if dot < 0 {
		b = Rotation{X: -b.X, Y: -b.Y, Z: -b.Z, W: -b.W}
		dot = -dot
	}

	// Почти совпадающие повороты - линейная интерполяция
	if dot > 0.9995 {
		return Rotation{
			X: a.X + (b.X-a.X)*t,
			Y: a.Y + (b.Y-a.Y)*t,
			Z: a.Z + (b.Z-a.Z)*t,
			W: a.W + (b.W-a.W)*t,
		}.Normalized()
	}

	theta := math.Acos(dot)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return Rotation{
		X: a.X*wa + b.X*wb,
		Y: a.Y*wa + b.Y*wb,
		Z: a.Z*wa + b.Z*wb,
		W: a.W*wa + b.W*wb,
	}
}

func cross(a, b Vec3) Vec3 {
	return Vec3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

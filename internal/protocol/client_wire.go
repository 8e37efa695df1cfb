package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/annel0/cellgrid/internal/geom"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedFrame - кадр сессии не разбирается как protobuf-сообщение
var ErrMalformedFrame = errors.New("malformed session frame")

var kindNumbers = map[ClientKind]protowire.Number{
	KindHello:   1,
	KindMove:    2,
	KindEmit:    3,
	KindBye:     4,
	KindWelcome: 5,
	KindEvent:   6,
	KindError:   7,
}

var kindByNumber = func() map[uint64]ClientKind {
	out := make(map[uint64]ClientKind, len(kindNumbers))
	for k, n := range kindNumbers {
		out[uint64(n)] = k
	}
	return out
}()

// MarshalClient кодирует сообщение игрока в protobuf (схема client.proto)
func MarshalClient(m ClientMessage) []byte {
	var b []byte
	b = appendKind(b, 1, m.Kind)
	b = appendString(b, 2, m.PlayerID)
	if m.Transform != nil {
		b = appendMessage(b, 3, appendTransform(nil, *m.Transform))
	}
	b = appendDouble(b, 4, m.At)
	b = appendString(b, 5, m.EventType)
	b = appendDouble(b, 6, m.Distance)
	b = appendBytes(b, 7, m.Data)
	return b
}

// UnmarshalClient разбирает сообщение игрока. Неизвестные поля пропускаются.
func UnmarshalClient(b []byte) (ClientMessage, error) {
	var m ClientMessage
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Kind = kindByNumber[v]
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.PlayerID = v
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := consumeTransform(v)
			if err != nil {
				return 0, err
			}
			m.Transform = &t
			return n, nil
		case num == 4 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &m.At), nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.EventType = v
			return n, nil
		case num == 6 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &m.Distance), nil
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Data = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

// MarshalServer кодирует сообщение игроку
func MarshalServer(m ServerMessage) []byte {
	var b []byte
	b = appendKind(b, 1, m.Kind)
	if m.Location != nil {
		b = appendMessage(b, 2, appendVec(nil, m.Location.X, m.Location.Y, m.Location.Z))
	}
	b = appendString(b, 3, m.EventID)
	b = appendString(b, 4, m.Type)
	if m.Origin != nil {
		b = appendMessage(b, 5, appendVec(nil, m.Origin.X, m.Origin.Y, m.Origin.Z))
	}
	b = appendDouble(b, 6, m.Distance)
	b = appendBytes(b, 7, m.Data)
	b = appendString(b, 8, m.Error)
	return b
}

// UnmarshalServer разбирает сообщение сервера
func UnmarshalServer(b []byte) (ServerMessage, error) {
	var m ServerMessage
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Kind = kindByNumber[v]
			return n, nil
		case (num == 2 || num == 5) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			vec, err := consumeVec(v)
			if err != nil {
				return 0, err
			}
			if num == 2 {
				loc := geom.LocationOf(vec)
				m.Location = &loc
			} else {
				m.Origin = &vec
			}
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.EventID = v
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Type = v
			return n, nil
		case num == 6 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &m.Distance), nil
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Data = append([]byte(nil), v...)
			return n, nil
		case num == 8 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Error = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

// walk перебирает поля сообщения. field возвращает число прочитанных байт значения
// или отрицательный код ошибки protowire.
func walk(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedFrame, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func appendKind(b []byte, num protowire.Number, k ClientKind) []byte {
	v, ok := kindNumbers[k]
	if !ok {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage пишет вложенное сообщение даже пустым: его наличие значимо
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 && !math.Signbit(v) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func consumeDouble(b []byte, dst *float64) int {
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func appendVec(b []byte, x, y, z float64) []byte {
	b = appendDouble(b, 1, x)
	b = appendDouble(b, 2, y)
	return appendDouble(b, 3, z)
}

func consumeVec(b []byte) (geom.Vec3, error) {
	var v geom.Vec3
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.Fixed64Type {
			switch num {
			case 1:
				return consumeDouble(b, &v.X), nil
			case 2:
				return consumeDouble(b, &v.Y), nil
			case 3:
				return consumeDouble(b, &v.Z), nil
			}
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return v, err
}

func appendTransform(b []byte, t geom.Transform) []byte {
	if tr, ok := t.Position.Translation(); ok {
		b = appendMessage(b, 2, appendVec(nil, tr.X, tr.Y, tr.Z))
	} else {
		loc, _ := t.Position.Location()
		b = appendMessage(b, 1, appendVec(nil, loc.X, loc.Y, loc.Z))
	}

	var q []byte
	q = appendDouble(q, 1, t.Rotation.X)
	q = appendDouble(q, 2, t.Rotation.Y)
	q = appendDouble(q, 3, t.Rotation.Z)
	q = appendDouble(q, 4, t.Rotation.W)
	b = appendMessage(b, 3, q)

	return appendMessage(b, 4, appendVec(nil, t.Scale.X, t.Scale.Y, t.Scale.Z))
}

// consumeTransform разбирает Transform. Отсутствующие поворот и масштаб
// получают значения DefaultTransform.
func consumeTransform(b []byte) (geom.Transform, error) {
	t := geom.DefaultTransform()
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || num < 1 || num > 4 {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 3:
			var q geom.Rotation
			err := walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if typ == protowire.Fixed64Type {
					switch num {
					case 1:
						return consumeDouble(b, &q.X), nil
					case 2:
						return consumeDouble(b, &q.Y), nil
					case 3:
						return consumeDouble(b, &q.Z), nil
					case 4:
						return consumeDouble(b, &q.W), nil
					}
				}
				return protowire.ConsumeFieldValue(num, typ, b), nil
			})
			if err != nil {
				return 0, err
			}
			t.Rotation = q
			return n, nil
		}

		vec, err := consumeVec(v)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			t.Position = geom.AbsoluteLocation(geom.LocationOf(vec))
		case 2:
			t.Position = geom.RelativeTranslation(geom.Translation{X: vec.X, Y: vec.Y, Z: vec.Z})
		case 4:
			t.Scale = geom.Scale3D{X: vec.X, Y: vec.Y, Z: vec.Z}
		}
		return n, nil
	})
	return t, err
}

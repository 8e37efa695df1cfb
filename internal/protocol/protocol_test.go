package protocol

import (
	"testing"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestSubjects(t *testing.T) {
	c := topology.Coordinate{X: 1, Y: -2, Z: 0}
	assert.Equal(t, "cellgrid.cell.1.-2.0.events", CellEventsSubject(c))
	assert.Equal(t, "cellgrid.cell.1.-2.0.ping", CellPingSubject(c))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var req RegisterRequest
	assert.Error(t, Decode([]byte("{not json"), &req))

	data, err := Encode(RegisterRequest{ServerID: "s1", Coordinate: topology.Coordinate{X: 3}})
	require.NoError(t, err)
	require.NoError(t, Decode(data, &req))
	assert.Equal(t, 3, req.Coordinate.X)
}

func TestUint32(t *testing.T) {
	assert.Equal(t, uint32(0xdeadbeef), ReadUint32(WriteUint32(0xdeadbeef)))
}

func TestClientWireFormat(t *testing.T) {
	// kind=1 (varint 1), player_id=2 ("p")
	assert.Equal(t, []byte{0x08, 0x01, 0x12, 0x01, 'p'}, MarshalClient(ClientMessage{Kind: KindHello, PlayerID: "p"}))
	assert.Empty(t, MarshalClient(ClientMessage{}), "Нулевые поля не кодируются")
}

func TestClientTransformVariants(t *testing.T) {
	rel, err := geom.NewTransform(geom.RelativeTranslation(geom.Translation{X: 1, Y: -2}), geom.Rotation{Z: 1}, geom.Scale3D{X: 2, Y: 2, Z: 2})
	require.NoError(t, err)

	got, err := UnmarshalClient(MarshalClient(ClientMessage{Kind: KindMove, Transform: &rel, At: 1.5}))
	require.NoError(t, err)
	require.NotNil(t, got.Transform)
	assert.Equal(t, geom.PositionRelative, got.Transform.Position.Kind())
	tr, _ := got.Transform.Position.Translation()
	assert.Equal(t, geom.Translation{X: 1, Y: -2}, tr)
	assert.Equal(t, geom.Rotation{Z: 1}, got.Transform.Rotation)
	assert.Equal(t, geom.Scale3D{X: 2, Y: 2, Z: 2}, got.Transform.Scale)
	assert.Equal(t, 1.5, got.At)

	origin := geom.DefaultTransform()
	got, err = UnmarshalClient(MarshalClient(ClientMessage{Kind: KindHello, PlayerID: "p", Transform: &origin}))
	require.NoError(t, err)
	require.NotNil(t, got.Transform, "Трансформ в начале координат не теряется")
	assert.Equal(t, origin, *got.Transform)
}

func TestClientWireSkipsUnknownFields(t *testing.T) {
	b := MarshalClient(ClientMessage{Kind: KindEmit, EventType: "shout", Distance: 12})
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 99)

	got, err := UnmarshalClient(b)
	require.NoError(t, err)
	assert.Equal(t, "shout", got.EventType)
	assert.Equal(t, 12.0, got.Distance)
	assert.Equal(t, ClientKind(""), got.Kind, "Неизвестный номер kind не сопоставляется")
}

func TestServerWireMessages(t *testing.T) {
	origin := geom.Vec3{X: 60, Y: 32, Z: -1}
	loc := geom.Location{}
	in := ServerMessage{Kind: KindEvent, Location: &loc, EventID: "e1", Type: "boom", Origin: &origin, Distance: 3, Data: []byte{0}, Error: "x"}

	got, err := UnmarshalServer(MarshalServer(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = UnmarshalServer([]byte{0x12, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrMalformedFrame, "Длина вложенного сообщения больше кадра")
	_, err = UnmarshalClient([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/klauspost/compress/zstd"
)

// MaxFrameSize - предел размера сжатого кадра
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge - заголовок кадра объявляет недопустимую длину
var ErrFrameTooLarge = errors.New("frame too large")

// Codec упаковывает сообщения в кадры: 4 байта длины (big-endian) и тело, сжатое zstd.
// Безопасен для конкурентного использования.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec создаёт кодек
func NewCodec() (*Codec, error) {
	registerMetrics()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(8*MaxFrameSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("ошибка создания zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Pack сжимает payload и добавляет заголовок длины
func (c *Codec) Pack(payload []byte) ([]byte, error) {
	body := c.enc.EncodeAll(payload, nil)
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	return append(protocol.WriteUint32(uint32(len(body))), body...), nil
}

// ReadFrame читает один кадр и возвращает распакованное тело
func (c *Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := protocol.ReadUint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	payload, err := c.dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка распаковки кадра: %w", err)
	}
	return payload, nil
}

// Close освобождает ресурсы zstd
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

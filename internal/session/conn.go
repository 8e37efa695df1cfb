package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// StreamConn - соединение игрока поверх потокового транспорта (KCP или TCP).
// Реализует player.Conn.
type StreamConn struct {
	conn  net.Conn
	codec *Codec

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool

	bytesOut atomic.Uint64
	bytesIn  atomic.Uint64
}

// NewStreamConn оборачивает соединение. codec разделяется между соединениями.
func NewStreamConn(conn net.Conn, codec *Codec) *StreamConn {
	return &StreamConn{conn: conn, codec: codec, writeTimeout: 5 * time.Second}
}

// Send отправляет одно сообщение кадром
func (c *StreamConn) Send(payload []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	frame, err := c.codec.Pack(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	c.bytesOut.Add(uint64(len(frame)))
	bytesTotal.WithLabelValues("out").Add(float64(len(frame)))
	return nil
}

// Recv читает следующее сообщение
func (c *StreamConn) Recv() ([]byte, error) {
	payload, err := c.codec.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	c.bytesIn.Add(uint64(len(payload)))
	bytesTotal.WithLabelValues("in").Add(float64(len(payload)))
	return payload, nil
}

// Close закрывает соединение. Повторный вызов безопасен.
func (c *StreamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// RemoteAddr - адрес игрока
func (c *StreamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

package session

import (
	"fmt"
	"net"

	"github.com/annel0/cellgrid/internal/logging"
	"github.com/xtaci/kcp-go/v5"
)

// Параметры FEC для KCP
const (
	dataShards   = 10
	parityShards = 3
)

// tune настраивает KCP сессию для игрового трафика
func tune(s *kcp.UDPSession) {
	s.SetStreamMode(true)
	s.SetWriteDelay(false)
	s.SetNoDelay(1, 20, 2, 1)
	s.SetWindowSize(512, 512)
	s.SetMtu(1400)
}

// KCPListener принимает соединения игроков по KCP
type KCPListener struct {
	ln     *kcp.Listener
	codec  *Codec
	logger *logging.Logger
}

// ListenKCP начинает слушать адрес
func ListenKCP(addr string, codec *Codec) (*KCPListener, error) {
	ln, err := kcp.ListenWithOptions(addr, nil, dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to listen KCP on %s: %w", addr, err)
	}
	l := &KCPListener{ln: ln, codec: codec, logger: logging.GetComponentLogger("session")}
	l.logger.Info("🚀 KCP слушает %s", ln.Addr())
	return l, nil
}

// Accept ждёт следующего игрока
func (l *KCPListener) Accept() (*StreamConn, error) {
	s, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	tune(s)
	return NewStreamConn(s, l.codec), nil
}

// Addr - фактический адрес
func (l *KCPListener) Addr() net.Addr { return l.ln.Addr() }

// Close прекращает приём соединений
func (l *KCPListener) Close() error { return l.ln.Close() }

// DialKCP подключается к дочернему серверу (для клиентов и инструментов)
func DialKCP(addr string, codec *Codec) (*StreamConn, error) {
	s, err := kcp.DialWithOptions(addr, nil, dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	tune(s)
	return NewStreamConn(s, codec), nil
}

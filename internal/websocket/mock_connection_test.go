package websocket

import (
	"errors"
	"net"
	"sync"
	"time"
)

var errMockClosed = errors.New("connection closed")

// mockConnection is an in-memory Connection. Reads block until a frame is
// queued or the connection is closed.
type mockConnection struct {
	mu      sync.Mutex
	written [][]byte
	types   []int
	closed  bool

	reads    chan []byte
	closedCh chan struct{}
	once     sync.Once

	writeErr error
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		reads:    make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockClosed
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	m.types = append(m.types, messageType)
	m.written = append(m.written, append([]byte(nil), data...))
	return nil
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	// queued frames win over a close
	select {
	case data := <-m.reads:
		return 1, data, nil
	default:
	}
	select {
	case data := <-m.reads:
		return 1, data, nil
	case <-m.closedCh:
		return 0, nil, errMockClosed
	}
}

func (m *mockConnection) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closedCh)
	})
	return nil
}

func (m *mockConnection) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConnection) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConnection) SetReadLimit(int64)                {}
func (m *mockConnection) SetPongHandler(func(string) error) {}
func (m *mockConnection) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

// textFrames returns the text frames written so far
func (m *mockConnection) textFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for i, data := range m.written {
		if m.types[i] == 1 {
			out = append(out, data)
		}
	}
	return out
}

func (m *mockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

package telemetry

import (
	"errors"
	"net"
	"sync"
	"time"
)

// UDPSocket defines the datagram operations a Session needs.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// WriteToUDP sends a UDP packet to addr.
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// SocketFactory creates UDP sockets.
type SocketFactory interface {
	// ListenUDP creates and returns a new UDP socket.
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// Resolver turns a host:port string into a UDP address.
type Resolver interface {
	ResolveUDPAddr(network, address string) (*net.UDPAddr, error)
}

// NetResolver resolves with net.ResolveUDPAddr.
type NetResolver struct{}

// ResolveUDPAddr implements Resolver.
func (NetResolver) ResolveUDPAddr(network, address string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr(network, address)
}

// RealUDPSocketFactory implements SocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// MockUDPSocket implements UDPSocket for testing. Reads are served from
// Script in order; once it is exhausted every read times out.
type MockUDPSocket struct {
	mu sync.Mutex

	// Script holds the results returned by ReadFromUDP.
	Script []MockRead
	// Writes records every payload passed to WriteToUDP.
	Writes []MockWrite
	// WriteErrors are returned by successive WriteToUDP calls; nil entries
	// succeed.
	WriteErrors []error

	readIndex  int
	writeIndex int
	closed     bool
	deadlines  int
	local      *net.UDPAddr
}

// MockRead is one scripted ReadFromUDP result.
type MockRead struct {
	Data []byte
	Addr *net.UDPAddr
	Err  error
}

// MockWrite is one recorded WriteToUDP call.
type MockWrite struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a MockUDPSocket serving reads in order.
func NewMockUDPSocket(reads ...MockRead) *MockUDPSocket {
	return &MockUDPSocket{
		Script: reads,
		local:  &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5800},
	}
}

// Reply scripts a datagram from addr.
func Reply(payload string, addr *net.UDPAddr) MockRead {
	return MockRead{Data: []byte(payload), Addr: addr}
}

// Timeout scripts a read deadline expiry.
func Timeout() MockRead {
	return MockRead{Err: &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}}
}

// Fail scripts a read error.
func Fail(err error) MockRead {
	return MockRead{Err: err}
}

// ReadFromUDP returns the next scripted read.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if m.readIndex >= len(m.Script) {
		return 0, nil, Timeout().Err
	}
	r := m.Script[m.readIndex]
	m.readIndex++
	if r.Err != nil {
		return 0, nil, r.Err
	}
	return copy(b, r.Data), r.Addr, nil
}

// WriteToUDP records the payload.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	var err error
	if m.writeIndex < len(m.WriteErrors) {
		err = m.WriteErrors[m.writeIndex]
	}
	m.writeIndex++
	if err != nil {
		return 0, err
	}
	m.Writes = append(m.Writes, MockWrite{Data: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

// SetReadDeadline counts deadline updates.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error {
	m.mu.Lock()
	m.deadlines++
	m.mu.Unlock()
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.local
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Sent returns copies of the written payloads as strings.
func (m *MockUDPSocket) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Writes))
	for i, w := range m.Writes {
		out[i] = string(w.Data)
	}
	return out
}

// MockSocketFactory hands out Sockets in order, failing with the matching
// entry of Errors when it is non-nil.
type MockSocketFactory struct {
	mu sync.Mutex

	Sockets []*MockUDPSocket
	Errors  []error
	// Calls records the local address of every ListenUDP call.
	Calls []*net.UDPAddr
}

// ListenUDP returns the next socket or error.
func (f *MockSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.Calls)
	f.Calls = append(f.Calls, laddr)
	if i < len(f.Errors) && f.Errors[i] != nil {
		return nil, f.Errors[i]
	}
	// error slots consume an attempt but not a socket
	sock := 0
	for j := 0; j < i && j < len(f.Errors); j++ {
		if f.Errors[j] == nil {
			sock++
		}
	}
	if i >= len(f.Errors) {
		sock += i - len(f.Errors)
	}
	if sock >= len(f.Sockets) {
		return nil, errors.New("mock factory: no sockets left")
	}
	return f.Sockets[sock], nil
}

// CallCount returns the number of ListenUDP calls.
func (f *MockSocketFactory) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// MockResolver returns Addr, or Err when set.
type MockResolver struct {
	Addr *net.UDPAddr
	Err  error
}

// ResolveUDPAddr implements Resolver.
func (r MockResolver) ResolveUDPAddr(string, string) (*net.UDPAddr, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Addr, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

package mediator

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockUDPConn struct {
	writeCh chan []byte

	readFromUDPAddrPort func(b []byte) (n int, addr netip.AddrPort, err error)
	writeToUDPAddrPort  func(b []byte, addr netip.AddrPort) (int, error)

	closeOnce sync.Once
	closed    chan struct{}
	closes    int
}

func (m *MockUDPConn) ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error) {
	if m.readFromUDPAddrPort != nil {
		return m.readFromUDPAddrPort(b)
	}

	<-m.closed
	return 0, netip.AddrPort{}, net.ErrClosed
}

func (m *MockUDPConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	n := len(b)
	var err error
	if m.writeToUDPAddrPort != nil {
		n, err = m.writeToUDPAddrPort(b, addr)
	}
	if m.writeCh != nil {
		m.writeCh <- b
	}
	return n, err
}

func (m *MockUDPConn) Close() error {
	m.closes++
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	return nil
}

// readsFrom returns a read function that yields the given packets in order, then blocks until the
// conn is closed. A nil packet yields an error instead.
func (m *MockUDPConn) readsFrom(src netip.AddrPort, pkts ...[]byte) func(b []byte) (int, netip.AddrPort, error) {
	var mu sync.Mutex

	return func(b []byte) (int, netip.AddrPort, error) {
		mu.Lock()
		if len(pkts) > 0 {
			pkt := pkts[0]
			pkts = pkts[1:]
			mu.Unlock()

			if pkt == nil {
				return 0, netip.AddrPort{}, errors.New("connection refused")
			}

			return copy(b, pkt), src, nil
		}
		mu.Unlock()

		<-m.closed
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func newMockUDPConn() *MockUDPConn {
	return &MockUDPConn{closed: make(chan struct{})}
}

func TestUDPTransportReceive(t *testing.T) {
	conn := newMockUDPConn()
	mapped := netip.AddrPortFrom(netip.AddrFrom16(peerAddr.Addr().As16()), peerAddr.Port())

	// a failed read is skipped, and so is an empty datagram
	conn.readFromUDPAddrPort = conn.readsFrom(mapped, []byte{1, 2, 3}, nil, []byte{}, []byte{4})

	tr := MakeUDPTransport(conn, dummyAddrPort, DefaultSendQueueLen)
	tr.Run()

	first := <-tr.Frames()
	assert.Equal(t, []byte{1, 2, 3}, first.Pkt)
	assert.Equal(t, peerAddr, first.Src, "v4-mapped source should be unmapped")
	assert.False(t, first.Timestamp.IsZero())

	second := <-tr.Frames()
	assert.Equal(t, []byte{4}, second.Pkt)

	require.NoError(t, tr.Close())

	_, ok := <-tr.Frames()
	assert.False(t, ok, "frames should be closed after Close")
}

func TestUDPTransportSend(t *testing.T) {
	conn := newMockUDPConn()
	conn.writeCh = make(chan []byte)

	var to netip.AddrPort
	conn.writeToUDPAddrPort = func(b []byte, addr netip.AddrPort) (int, error) {
		to = addr
		return len(b), nil
	}

	tr := MakeUDPTransport(conn, dummyAddrPort, 1)
	tr.Run()

	require.NoError(t, tr.Send([]byte{37}, serverAddr))

	pkt := <-conn.writeCh
	assert.Equal(t, []byte{37}, pkt)

	require.NoError(t, tr.Send([]byte{1}, serverAddr))

	// once the write goroutine blocks on the second write, one slot of queue is left behind it
	assert.Eventually(t, func() bool {
		return len(tr.writeCh) == 0
	}, assertEventuallyTimeout, assertEventuallyTick)

	require.NoError(t, tr.Send([]byte{2}, serverAddr))
	assert.ErrorIs(t, tr.Send([]byte{3}, serverAddr), ErrSendQueueFull)

	assert.Equal(t, []byte{1}, <-conn.writeCh)
	assert.Equal(t, []byte{2}, <-conn.writeCh)
	assert.Equal(t, serverAddr, to)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte{4}, serverAddr), ErrTransportClosed)
}

func TestUDPTransportCloseIdempotent(t *testing.T) {
	conn := newMockUDPConn()

	tr := MakeUDPTransport(conn, dummyAddrPort, DefaultSendQueueLen)
	tr.Run()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, tr.Close())
		assert.NoError(t, tr.Close())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, 1, conn.closes)
}

func TestListenUDP(t *testing.T) {
	a, err := ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"), DefaultSendQueueLen)
	require.NoError(t, err)
	defer a.Close()

	b, err := ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"), DefaultSendQueueLen)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send([]byte("hello"), b.LocalAddr()))

	select {
	case frame := <-b.Frames():
		assert.Equal(t, []byte("hello"), frame.Pkt)
		assert.Equal(t, a.LocalAddr(), frame.Src)
	case <-time.After(time.Second):
		t.Fatal("did not receive datagram")
	}

	_, err = ListenUDP(a.LocalAddr(), DefaultSendQueueLen)

	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, a.LocalAddr(), be.Addr)
}

package mediator

import (
	"errors"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/edup2p/mediator/types"
)

// RecvFrame is a single datagram received from the socket.
type RecvFrame struct {
	Pkt []byte

	Src netip.AddrPort

	Timestamp time.Time
}

// Transport is the datagram socket the mediator runs on.
type Transport interface {
	// Send queues pkt to be written to dst. It never blocks, and returns ErrSendQueueFull or
	// ErrTransportClosed if the packet could not be queued.
	Send(pkt []byte, dst netip.AddrPort) error

	// Frames yields received datagrams, and is closed once the transport is closed.
	Frames() <-chan RecvFrame

	LocalAddr() netip.AddrPort

	Close() error
}

// BindFunc binds a Transport to a local address.
type BindFunc func(listen netip.AddrPort, queueLen int) (Transport, error)

type writeRequest struct {
	to  netip.AddrPort
	pkt []byte
}

// UDPTransport is a Transport on top of a UDP socket.
//
// A receive goroutine pushes datagrams to Frames, and a write goroutine drains the send queue,
// so that callers of Send never wait on the socket.
type UDPTransport struct {
	Conn types.UDPConn

	local netip.AddrPort

	outCh   chan RecvFrame
	writeCh chan writeRequest

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	running RunCheck
	wg      sync.WaitGroup
}

// ListenUDP binds a UDP socket on listen, and starts a UDPTransport on it.
//
// Errors are always of type *BindError.
func ListenUDP(listen netip.AddrPort, queueLen int) (Transport, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(listen))
	if err != nil {
		return nil, &BindError{Addr: listen, Err: err}
	}

	t := MakeUDPTransport(conn, types.NormaliseAddrPort(conn.LocalAddr().(*net.UDPAddr).AddrPort()), queueLen)
	t.Run()

	return t, nil
}

func MakeUDPTransport(conn types.UDPConn, local netip.AddrPort, queueLen int) *UDPTransport {
	return &UDPTransport{
		Conn:    conn,
		local:   local,
		outCh:   make(chan RecvFrame, SockRecvFrameChanBuffer),
		writeCh: make(chan writeRequest, queueLen),
		closed:  make(chan struct{}),
		running: MakeRunCheck(),
	}
}

// Run starts the receive and write goroutines.
func (t *UDPTransport) Run() {
	if !t.running.CheckOrMark() {
		L(t).Warn("tried to run transport, while already running")
		return
	}

	t.wg.Add(2)
	go t.recvLoop()
	go t.writeLoop()
}

func (t *UDPTransport) recvLoop() {
	defer t.wg.Done()
	defer close(t.outCh)

	var buf = make([]byte, SockRecvBufferSize)

	for {
		n, ap, err := t.Conn.ReadFromUDPAddrPort(buf)

		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}

			// A single failing read is not the end of the socket, e.g. ICMP errors bubble up here.
			L(t).Warn("error reading from socket", "err", err)
			continue
		}

		if n == 0 {
			continue
		}

		frame := RecvFrame{
			Pkt:       slices.Clone(buf[:n]),
			Src:       types.NormaliseAddrPort(ap),
			Timestamp: time.Now(),
		}

		select {
		case <-t.closed:
			return
		case t.outCh <- frame:
			// fallthrough continue
		}
	}
}

func (t *UDPTransport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.closed:
			return
		case req := <-t.writeCh:
			_, err := t.Conn.WriteToUDPAddrPort(req.pkt, req.to)
			if err != nil {
				L(t).Warn("error writing to socket", "error", err, "to", req.to)
			}
		}
	}
}

func (t *UDPTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *UDPTransport) Send(pkt []byte, dst netip.AddrPort) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	select {
	case t.writeCh <- writeRequest{to: dst, pkt: pkt}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (t *UDPTransport) Frames() <-chan RecvFrame {
	return t.outCh
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.local
}

// Close closes the socket, which unblocks the receive goroutine. It is safe to call more than once.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.closeErr = t.Conn.Close()
		t.wg.Wait()
	})

	return t.closeErr
}

// Package network moves byte buffers of any length between overlay nodes over
// a single UDP socket.
//
// A message is cut into fragments of at most MaxFragment payload bytes, each
// prefixed by one header byte: 0 when more fragments follow, 1 on the last
// one. Fragments carry no sequence number, so a receiver reassembles them in
// arrival order and trusts the network not to reorder or drop them. Nothing is
// retransmitted.
package network

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"

	"peerstreamer/internal/debuglog"
	"peerstreamer/internal/metrics"
	"peerstreamer/internal/node"
)

const (
	MaxFragment = 60 << 10
	// MaxMessage bounds a single Send.
	MaxMessage = 16 << 20

	headerMore  = 0
	headerFinal = 1

	defaultLogInterval = 5 * time.Second
)

var (
	ErrResolveFailed = errors.New("resolve failed")
	ErrBindFailed    = errors.New("bind failed")
	ErrSendFailed    = errors.New("send failed")
	ErrReceiveFailed = errors.New("receive failed")
	ErrClosed        = errors.New("transport closed")
)

var fragmentHeaders = [2]byte{headerMore, headerFinal}

// Transport is the socket-bearing local identity. It is driven by one control
// loop: Receive must not be called concurrently with itself.
type Transport struct {
	id      node.ID
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	batch   bool
	metrics *metrics.Metrics
	scratch []byte
}

// Open binds a UDP socket to addr:port. Port 0 picks a free port and the
// local identity reflects the port actually bound.
func Open(addr string, port int, opts Options) (*Transport, error) {
	id, err := node.New(addr, port)
	if err != nil {
		debuglog.Logf("transport resolve failed addr=%s port=%d: %v", addr, port, err)
		return nil, fmt.Errorf("%w: %w", ErrResolveFailed, err)
	}
	conn, err := net.ListenUDP("udp4", id.UDPAddr())
	if err != nil {
		debuglog.Logf("transport bind failed addr=%s: %v", id, err)
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	if err := applyBuffers(conn, opts); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if bound, err := node.FromUDPAddr(local); err == nil {
			id = bound
		}
	}
	debuglog.Debugf("transport bound addr=%s batch=%v", id, opts.BatchWrites)
	return &Transport{
		id:      id,
		conn:    conn,
		pc:      ipv4.NewPacketConn(conn),
		batch:   opts.BatchWrites,
		metrics: opts.Metrics,
		scratch: make([]byte, 1+64<<10),
	}, nil
}

func applyBuffers(conn *net.UDPConn, opts Options) error {
	rb := opts.ReadBuffer
	if rb == 0 {
		rb = DefaultReadBuffer
	}
	if rb > 0 {
		if err := conn.SetReadBuffer(rb); err != nil {
			return err
		}
	}
	wb := opts.WriteBuffer
	if wb == 0 {
		wb = DefaultWriteBuffer
	}
	if wb > 0 {
		if err := conn.SetWriteBuffer(wb); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the address-only copy of the local identity.
func (t *Transport) ID() node.ID {
	return t.id.Dup()
}

// Fd returns the socket descriptor for external readiness polling, or -1.
func (t *Transport) Fd() int {
	if t == nil || t.conn == nil {
		return -1
	}
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}

func (t *Transport) Close() error {
	if t == nil || t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Send fragments buf and writes the fragments to the destination in order.
// An empty buf still produces one final fragment. The first failing fragment
// aborts the send; fragments already written are not recalled.
func (t *Transport) Send(to node.ID, buf []byte) (int, error) {
	if len(buf) > MaxMessage {
		return 0, fmt.Errorf("%w: message of %d bytes exceeds %d", ErrSendFailed, len(buf), MaxMessage)
	}
	dst := to.UDPAddr()
	msgs := fragment(buf, dst)
	step := 1
	if t.batch {
		step = len(msgs)
	}
	sent := 0
	for sent < len(msgs) {
		end := sent + step
		if end > len(msgs) {
			end = len(msgs)
		}
		n, err := t.pc.WriteBatch(msgs[sent:end], 0)
		if err == nil && n == 0 {
			err = syscall.EAGAIN
		}
		if err != nil {
			t.metrics.IncSendFail()
			debuglog.RateLimitedf("send-fail:"+to.String(), defaultLogInterval, "transport send to=%s fragment=%d/%d failed: %v", to, sent+n+1, len(msgs), err)
			return payloadBytes(msgs[:sent+n]), fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		sent += n
	}
	t.metrics.AddSent(len(msgs), len(buf))
	return len(buf), nil
}

func fragment(buf []byte, dst net.Addr) []ipv4.Message {
	count := (len(buf) + MaxFragment - 1) / MaxFragment
	if count == 0 {
		count = 1
	}
	msgs := make([]ipv4.Message, count)
	for i := range msgs {
		n := len(buf)
		hdr := fragmentHeaders[headerFinal : headerFinal+1]
		if n > MaxFragment {
			n = MaxFragment
			hdr = fragmentHeaders[headerMore : headerMore+1]
		}
		msgs[i] = ipv4.Message{Buffers: [][]byte{hdr, buf[:n]}, Addr: dst}
		buf = buf[n:]
	}
	return msgs
}

func payloadBytes(msgs []ipv4.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Buffers[1])
	}
	return total
}

// Receive reassembles one message into buf. The sender is taken from the
// first fragment; later fragments are accepted from any source. Reading stops
// at the final fragment or when buf is full, whichever comes first.
func (t *Transport) Receive(buf []byte) (node.ID, int, error) {
	var from node.ID
	recv, frags := 0, 0
	for {
		n, addr, err := t.conn.ReadFromUDPAddrPort(t.scratch)
		if err != nil {
			t.metrics.IncReceiveFail()
			if errors.Is(err, net.ErrClosed) {
				err = ErrClosed
			}
			return from, recv, fmt.Errorf("%w: %w", ErrReceiveFailed, err)
		}
		if n == 0 {
			t.metrics.IncReceiveFail()
			return from, recv, fmt.Errorf("%w: datagram without header from %s", ErrReceiveFailed, addr)
		}
		if frags == 0 {
			if from, err = node.FromAddrPort(addr); err != nil {
				t.metrics.IncReceiveFail()
				return from, 0, fmt.Errorf("%w: %w", ErrReceiveFailed, err)
			}
		}
		frags++
		room := len(buf) - recv
		if room > MaxFragment {
			room = MaxFragment
		}
		recv += copy(buf[recv:recv+room], t.scratch[1:n])
		if t.scratch[0] != headerMore || recv >= len(buf) {
			break
		}
	}
	t.metrics.AddReceived(frags, recv)
	debuglog.Debugf("transport recv from=%s bytes=%d fragments=%d", from, recv, frags)
	return from, recv, nil
}

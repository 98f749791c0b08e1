package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/pyropy/dbs/core/constants"
)

// readPollInterval bounds how long Receive blocks before rechecking its context.
const readPollInterval = 500 * time.Millisecond

type group struct {
	addr  *net.UDPAddr
	conn  net.PacketConn
	pconn *ipv4.PacketConn

	readMu sync.Mutex
	buf    []byte
}

// Multicast is a Transport over IPv4 UDP multicast with one socket per channel.
type Multicast struct {
	groups    map[Channel]*group
	closeOnce sync.Once
}

// NewMulticast joins a multicast group for every channel in addrs. Addresses
// are host:port pairs such as 224.0.0.1:8001. An empty ifaceName lets the
// kernel pick the interface.
func NewMulticast(addrs map[Channel]string, ifaceName string) (*Multicast, error) {
	var iface *net.Interface
	if ifaceName != "" {
		i, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %s: %w", ifaceName, err)
		}
		iface = i
	}

	m := &Multicast{groups: map[Channel]*group{}}

	for ch, addr := range addrs {
		g, err := joinGroup(addr, iface)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("join %s group %s: %w", ch, addr, err)
		}
		m.groups[ch] = g
	}

	return m, nil
}

func joinGroup(addr string, iface *net.Interface) (*group, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}

	if !gaddr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", gaddr.IP)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", gaddr.Port))
	if err != nil {
		return nil, err
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(iface, &net.UDPAddr{IP: gaddr.IP}); err != nil {
		conn.Close()
		return nil, err
	}

	if iface != nil {
		if err := p.SetMulticastInterface(iface); err != nil {
			conn.Close()
			return nil, err
		}
	}

	// peers on the same host must hear each other, including ourselves
	if err := p.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, err
	}

	if err := p.SetMulticastTTL(1); err != nil {
		conn.Close()
		return nil, err
	}

	return &group{
		addr:  gaddr,
		conn:  conn,
		pconn: p,
		buf:   make([]byte, constants.MAX_DATAGRAM_BYTES),
	}, nil
}

func (m *Multicast) Send(ctx context.Context, ch Channel, data []byte) error {
	g, ok := m.groups[ch]
	if !ok {
		return ErrUnknownChannel
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = g.conn.SetWriteDeadline(deadline)
	}

	_, err := g.conn.WriteTo(data, g.addr)
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}

	return err
}

// Receive blocks until a datagram arrives on ch or ctx is done. The returned
// slice is owned by the caller.
func (m *Multicast) Receive(ctx context.Context, ch Channel) ([]byte, error) {
	g, ok := m.groups[ch]
	if !ok {
		return nil, ErrUnknownChannel
	}

	g.readMu.Lock()
	defer g.readMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		_ = g.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, _, err := g.conn.ReadFrom(g.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}

		packet := make([]byte, n)
		copy(packet, g.buf[:n])

		return packet, nil
	}
}

func (m *Multicast) Close() error {
	var errs []error

	m.closeOnce.Do(func() {
		for _, g := range m.groups {
			_ = g.pconn.LeaveGroup(nil, &net.UDPAddr{IP: g.addr.IP})
			if err := g.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}

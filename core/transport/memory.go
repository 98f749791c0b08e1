package transport

import (
	"context"
	"sync"

	"github.com/pyropy/dbs/lib/utils"
)

const memoryInboxSize = 1024

// MemoryBus is an in-process broadcast medium. Every datagram sent by a
// member is delivered to all members, the sender included.
type MemoryBus struct {
	mu      sync.RWMutex
	members []*MemoryTransport

	// Filter, when set, is consulted once per recipient. Returning false drops
	// the datagram for that recipient.
	Filter func(from, to *MemoryTransport, ch Channel, data []byte) bool

	// Duplicate, when set, is consulted once per delivered datagram. Returning
	// true delivers a second copy to that recipient.
	Duplicate func(from, to *MemoryTransport, ch Channel, data []byte) bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Join attaches a new member to the bus.
func (b *MemoryBus) Join() *MemoryTransport {
	t := &MemoryTransport{
		bus:    b,
		inbox:  map[Channel]chan []byte{},
		closed: make(chan struct{}),
	}

	for _, ch := range Channels {
		t.inbox[ch] = make(chan []byte, memoryInboxSize)
	}

	b.mu.Lock()
	b.members = append(b.members, t)
	b.mu.Unlock()

	return t
}

func (b *MemoryBus) leave(t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.members = utils.Remove(b.members, t)
}

func (b *MemoryBus) broadcast(from *MemoryTransport, ch Channel, data []byte) {
	b.mu.RLock()
	members := append([]*MemoryTransport{}, b.members...)
	filter := b.Filter
	duplicate := b.Duplicate
	b.mu.RUnlock()

	for _, m := range members {
		if filter != nil && !filter(from, m, ch, data) {
			continue
		}

		copies := 1
		if duplicate != nil && duplicate(from, m, ch, data) {
			copies = 2
		}

		for i := 0; i < copies; i++ {
			m.deliver(ch, data)
		}
	}
}

func (t *MemoryTransport) deliver(ch Channel, data []byte) {
	packet := append([]byte{}, data...)

	select {
	case t.inbox[ch] <- packet:
	default:
		// full inbox behaves like a lost datagram
	}
}

// MemoryTransport is a member of a MemoryBus.
type MemoryTransport struct {
	bus       *MemoryBus
	inbox     map[Channel]chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (t *MemoryTransport) Send(ctx context.Context, ch Channel, data []byte) error {
	if _, ok := t.inbox[ch]; !ok {
		return ErrUnknownChannel
	}

	select {
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.bus.broadcast(t, ch, data)
	return nil
}

func (t *MemoryTransport) Receive(ctx context.Context, ch Channel) ([]byte, error) {
	inbox, ok := t.inbox[ch]
	if !ok {
		return nil, ErrUnknownChannel
	}

	select {
	case data := <-inbox:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.bus.leave(t)
		close(t.closed)
	})

	return nil
}

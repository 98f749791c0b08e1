package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pyropy/dbs/core/ledger"
	"github.com/pyropy/dbs/core/metrics"
	"github.com/pyropy/dbs/core/model"
	"github.com/pyropy/dbs/core/protocol"
	"github.com/pyropy/dbs/core/transport"
)

// receiveErrorBackoff keeps a failing socket from spinning the receive loop.
const receiveErrorBackoff = 100 * time.Millisecond

// Dispatcher receives datagrams from every channel and reacts to them.
type Dispatcher struct {
	peerID    string
	ledger    *ledger.Ledger
	chunks    *ChunkStore
	restore   *RestoreService
	sender    *sender
	transport transport.Transport
	metrics   *metrics.PeerMetrics

	jitter  time.Duration
	workers int
	queue   chan []byte
	limiter *rate.Limiter
}

type DispatcherConfig struct {
	ConfirmJitter time.Duration
	Workers       int
	QueueSize     int
	RateLimit     float64 // messages per second, 0 disables limiting
	RateBurst     int
}

func NewDispatcher(cfg DispatcherConfig, l *ledger.Ledger, chunks *ChunkStore, restore *RestoreService, s *sender, t transport.Transport, m *metrics.PeerMetrics) *Dispatcher {
	d := &Dispatcher{
		peerID:    s.peerID,
		ledger:    l,
		chunks:    chunks,
		restore:   restore,
		sender:    s,
		transport: t,
		metrics:   m,
		jitter:    cfg.ConfirmJitter,
		workers:   cfg.Workers,
		queue:     make(chan []byte, cfg.QueueSize),
	}

	if cfg.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	return d
}

// Start runs one receiver per channel and the handler workers until ctx is
// done or the transport is closed.
func (d *Dispatcher) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}

	for _, ch := range transport.Channels {
		ch := ch
		g.Go(func() error {
			return d.receiveLoop(ctx, ch)
		})
	}

	log.Infow("dispatch", "status", "dispatcher started", "peerID", d.peerID, "workers", d.workers)
	defer log.Infow("dispatch", "status", "dispatcher stopped", "peerID", d.peerID)

	return g.Wait()
}

// receiveLoop never runs handlers itself, it only queues datagrams for the
// workers. A full queue drops the datagram.
func (d *Dispatcher) receiveLoop(ctx context.Context, ch transport.Channel) error {
	for {
		data, err := d.transport.Receive(ctx, ch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrClosed) {
				return transport.ErrClosed
			}

			log.Warnw("dispatch", "status", "receive failed", "channel", ch.String(), "error", err)
			if err := sleep(ctx, receiveErrorBackoff); err != nil {
				return nil
			}
			continue
		}

		if d.limiter != nil && !d.limiter.Allow() {
			d.metrics.MessagesDropped.WithLabelValues(metrics.DropRateLimited).Inc()
			continue
		}

		select {
		case d.queue <- data:
		default:
			d.metrics.MessagesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
			log.Debugw("dispatch", "status", "queue full, dropping datagram", "channel", ch.String())
		}
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case data := <-d.queue:
			if err := d.Handle(ctx, data); err != nil {
				log.Warnw("dispatch", "status", "handling message failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Handle decodes one datagram and applies it. Messages sent by this peer and
// unknown kinds are ignored without error.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) error {
	m, err := protocol.Decode(data)
	if errors.Is(err, protocol.ErrUnknownKind) {
		d.metrics.MessagesDropped.WithLabelValues(metrics.DropUnknownKind).Inc()
		return nil
	}
	if err != nil {
		d.metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return err
	}

	if m.SenderID == d.peerID {
		d.metrics.MessagesDropped.WithLabelValues(metrics.DropSelf).Inc()
		return nil
	}

	d.metrics.MessagesReceived.WithLabelValues(m.Kind.String()).Inc()
	log.Debugw("dispatch", "event", m.Kind.String(), "from", m.SenderID, "chunk", m.ChunkID().String())

	switch m.Kind {
	case protocol.KindAnnounce:
		return d.handleAnnounce(ctx, m)
	case protocol.KindConfirm:
		d.ledger.RecordConfirmation(m.ChunkID(), m.SenderID)
		return nil
	case protocol.KindRequest:
		return d.handleRequest(ctx, m)
	case protocol.KindDeliver:
		if !d.restore.Deliver(m.ChunkID(), m.Body) {
			d.metrics.MessagesDropped.WithLabelValues(metrics.DropRestoreIgnored).Inc()
		}
		return nil
	default:
		d.metrics.MessagesDropped.WithLabelValues(metrics.DropUnknownKind).Inc()
		return nil
	}
}

// handleAnnounce stores the chunk the first time it is announced and confirms
// it after a random delay, duplicates included. A duplicate that arrives while
// the first copy is still being written is dropped without a confirmation.
func (d *Dispatcher) handleAnnounce(ctx context.Context, m *protocol.Message) error {
	id := m.ChunkID()

	if d.ledger.RegisterLocalChunk(id, m.Degree) {
		record := model.ChunkRecord{ChunkID: id, Degree: m.Degree, Data: m.Body}
		err := d.chunks.Put(ctx, record)
		if err != nil {
			d.ledger.ForgetLocalChunk(id)
			d.metrics.ChunkStoreErrors.Inc()
			return fmt.Errorf("store chunk %s: %w", id, err)
		}

		d.ledger.CommitLocalChunk(id)
		d.metrics.ChunksStored.Inc()
		log.Infow("dispatch", "status", "stored chunk", "chunk", id.String(), "from", m.SenderID, "size", len(m.Body))
	} else if !d.ledger.HasLocalChunk(id) {
		d.metrics.MessagesDropped.WithLabelValues(metrics.DropPersisting).Inc()
		return nil
	}

	if err := sleep(ctx, d.jitterDelay()); err != nil {
		return nil
	}

	err := d.sender.send(ctx, transport.Control, protocol.NewConfirm(d.sender.version, d.peerID, id))
	if err != nil {
		log.Warnw("dispatch", "status", "confirm failed", "chunk", id.String(), "error", err)
	}

	d.ledger.RecordConfirmation(id, d.peerID)
	return nil
}

func (d *Dispatcher) handleRequest(ctx context.Context, m *protocol.Message) error {
	id := m.ChunkID()

	if !d.ledger.HasLocalChunk(id) {
		d.metrics.MessagesDropped.WithLabelValues(metrics.DropNoChunk).Inc()
		return nil
	}

	data, err := d.chunks.Get(ctx, id)
	if errors.Is(err, ErrChunkDoesNotExist) {
		d.metrics.MessagesDropped.WithLabelValues(metrics.DropNoChunk).Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read chunk %s: %w", id, err)
	}

	err = d.sender.send(ctx, transport.DataRestore, protocol.NewDeliver(d.sender.version, d.peerID, id, data))
	if err != nil {
		log.Warnw("dispatch", "status", "deliver failed", "chunk", id.String(), "error", err)
	}

	return nil
}

func (d *Dispatcher) jitterDelay() time.Duration {
	if d.jitter <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(d.jitter)))
}

package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/pyropy/dbs/core/metrics"
	"github.com/pyropy/dbs/core/protocol"
	"github.com/pyropy/dbs/core/transport"
)

// sender stamps outbound messages with this peer's identity and puts them on
// the wire.
type sender struct {
	transport transport.Transport
	metrics   *metrics.PeerMetrics
	version   string
	peerID    string
}

func (s *sender) send(ctx context.Context, ch transport.Channel, m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	return s.broadcast(ctx, ch, m.Kind, data)
}

// broadcast sends an already encoded message.
func (s *sender) broadcast(ctx context.Context, ch transport.Channel, kind protocol.Kind, data []byte) error {
	err := s.transport.Send(ctx, ch, data)
	if err != nil {
		s.metrics.SendErrors.WithLabelValues(ch.String()).Inc()
		return fmt.Errorf("send %s on %s: %w", kind, ch, err)
	}

	s.metrics.MessagesSent.WithLabelValues(kind.String()).Inc()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

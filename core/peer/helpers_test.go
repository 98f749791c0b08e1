package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/dbs/core/model"
	"github.com/pyropy/dbs/core/protocol"
	"github.com/pyropy/dbs/core/transport"
)

func testConfig(id string) *Config {
	cfg := &Config{}
	cfg.Peer.ID = id
	cfg.Peer.ProtocolVersion = "1.0"
	cfg.Channels.Control = "224.0.0.1:8001"
	cfg.Channels.DataBackup = "224.0.0.2:8002"
	cfg.Channels.DataRestore = "224.0.0.3:8003"
	cfg.Store.CacheSize = 16
	cfg.Backup.Interval = 20 * time.Millisecond
	cfg.Backup.MaxAttempts = 5
	cfg.Backup.Parallelism = 4
	cfg.Dispatch.ConfirmJitter = 5 * time.Millisecond
	cfg.Dispatch.Workers = 4
	cfg.Dispatch.QueueSize = 256
	cfg.Dispatch.RateBurst = 100

	return cfg
}

func newMemoryStore() ds.Datastore {
	return dssync.MutexWrap(ds.NewMapDatastore())
}

func newTestPeer(t *testing.T, cfg *Config, tr transport.Transport, store ds.Datastore) *Peer {
	t.Helper()

	p, err := NewPeer(context.Background(), cfg, tr, store, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	return p
}

type sentDatagram struct {
	ch   transport.Channel
	data []byte
}

// recordingTransport keeps everything sent through it and never receives.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentDatagram

	closed    chan struct{}
	closeOnce sync.Once
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{closed: make(chan struct{})}
}

func (r *recordingTransport) Send(ctx context.Context, ch transport.Channel, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, sentDatagram{ch: ch, data: append([]byte{}, data...)})
	return nil
}

func (r *recordingTransport) Receive(ctx context.Context, ch transport.Channel) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, transport.ErrClosed
	}
}

func (r *recordingTransport) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// messages decodes the sent datagrams of the given kind together with the
// channel they went out on.
func (r *recordingTransport) messages(t *testing.T, kind protocol.Kind) ([]*protocol.Message, []transport.Channel) {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	var msgs []*protocol.Message
	var channels []transport.Channel
	for _, d := range r.sent {
		m, err := protocol.Decode(d.data)
		require.NoError(t, err)

		if m.Kind == kind {
			msgs = append(msgs, m)
			channels = append(channels, d.ch)
		}
	}

	return msgs, channels
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sent)
}

// failingStore rejects every write.
type failingStore struct {
	ds.Datastore
	err error
}

func (f *failingStore) Put(ctx context.Context, key ds.Key, value []byte) error {
	return f.err
}

// blockingStore holds the first Put until a value arrives on release and
// records whether it was closed while a Put was in flight.
type blockingStore struct {
	ds.Datastore

	entered chan struct{}
	release chan error
	once    sync.Once

	inFlight    atomic.Int32
	closedEarly atomic.Bool
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		Datastore: newMemoryStore(),
		entered:   make(chan struct{}),
		release:   make(chan error, 1),
	}
}

func (b *blockingStore) Put(ctx context.Context, key ds.Key, value []byte) error {
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	first := false
	b.once.Do(func() { first = true })

	if first {
		close(b.entered)
		if err := <-b.release; err != nil {
			return err
		}
	}

	return b.Datastore.Put(ctx, key, value)
}

func (b *blockingStore) Close() error {
	if b.inFlight.Load() > 0 {
		b.closedEarly.Store(true)
	}

	return b.Datastore.Close()
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func encode(t *testing.T, m *protocol.Message) []byte {
	t.Helper()

	data, err := protocol.Encode(m)
	require.NoError(t, err)

	return data
}

func confirmFrom(t *testing.T, sender string, id model.ChunkID) []byte {
	return encode(t, protocol.NewConfirm("1.0", sender, id))
}

func deliverFrom(t *testing.T, sender string, id model.ChunkID, body []byte) []byte {
	return encode(t, protocol.NewDeliver("1.0", sender, id, body))
}

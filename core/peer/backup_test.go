package peer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/dbs/core/metrics"
	"github.com/pyropy/dbs/core/model"
	"github.com/pyropy/dbs/core/protocol"
	"github.com/pyropy/dbs/core/transport"
)

func TestBackupSucceedsWhenDegreeReached(t *testing.T) {
	cfg := testConfig("1")
	cfg.Backup.Interval = 100 * time.Millisecond
	tr := newRecordingTransport()
	p := newTestPeer(t, cfg, tr, newMemoryStore())
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xab}, 1000)
	id := model.NewChunkID("f", 0)

	results := p.RequestChunkBackup(ctx, "f", 0, 2, data)
	require.NoError(t, p.Handle(ctx, confirmFrom(t, "2", id)))
	require.NoError(t, p.Handle(ctx, confirmFrom(t, "3", id)))

	result := <-results
	require.NoError(t, result.Err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 2, result.Confirmed)

	announces, channels := tr.messages(t, protocol.KindAnnounce)
	require.Len(t, announces, 1)
	assert.Equal(t, transport.DataBackup, channels[0])
	assert.Equal(t, "1", announces[0].SenderID)
	assert.Equal(t, "1.0", announces[0].Version)
	assert.Equal(t, 2, announces[0].Degree)
	assert.Equal(t, data, announces[0].Body)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.BackupsCompleted.WithLabelValues(metrics.BackupSucceeded)))
}

func TestBackupGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig("1")
	cfg.Backup.Interval = 5 * time.Millisecond
	tr := newRecordingTransport()
	p := newTestPeer(t, cfg, tr, newMemoryStore())
	ctx := context.Background()

	id := model.NewChunkID("f", 3)
	require.NoError(t, p.Handle(ctx, confirmFrom(t, "2", id)))

	start := time.Now()
	result := <-p.RequestChunkBackup(ctx, "f", 3, 2, []byte("data"))

	assert.ErrorIs(t, result.Err, ErrUnderReplicated)
	assert.Equal(t, 5, result.Attempts)
	assert.Equal(t, 1, result.Confirmed)
	// linear backoff: 1+2+3+4+5 intervals
	assert.GreaterOrEqual(t, time.Since(start), 15*cfg.Backup.Interval)

	announces, _ := tr.messages(t, protocol.KindAnnounce)
	assert.Len(t, announces, 5)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.BackupsCompleted.WithLabelValues(metrics.BackupUnderReplicated)))
}

func TestBackupSucceedsOnLaterAttempt(t *testing.T) {
	cfg := testConfig("1")
	cfg.Backup.Interval = 30 * time.Millisecond
	tr := newRecordingTransport()
	p := newTestPeer(t, cfg, tr, newMemoryStore())
	ctx := context.Background()

	id := model.NewChunkID("f", 1)
	results := p.RequestChunkBackup(ctx, "f", 1, 1, []byte("x"))

	require.Eventually(t, func() bool {
		announces, _ := tr.messages(t, protocol.KindAnnounce)
		return len(announces) == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, p.Handle(ctx, confirmFrom(t, "2", id)))

	result := <-results
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Attempts)
}

func TestBackupIgnoresOwnConfirmations(t *testing.T) {
	cfg := testConfig("1")
	cfg.Backup.Interval = 2 * time.Millisecond
	cfg.Backup.MaxAttempts = 2
	p := newTestPeer(t, cfg, newRecordingTransport(), newMemoryStore())
	ctx := context.Background()

	id := model.NewChunkID("f", 0)
	require.NoError(t, p.Handle(ctx, confirmFrom(t, "1", id)))

	result := <-p.RequestChunkBackup(ctx, "f", 0, 1, []byte("x"))
	assert.ErrorIs(t, result.Err, ErrUnderReplicated)
	assert.Equal(t, 0, result.Confirmed)
}

func TestBackupCanceledOnClose(t *testing.T) {
	cfg := testConfig("1")
	cfg.Backup.Interval = time.Minute
	tr := newRecordingTransport()
	p := newTestPeer(t, cfg, tr, newMemoryStore())
	ctx := context.Background()

	results := p.RequestChunkBackup(ctx, "f", 0, 1, []byte("x"))
	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, time.Millisecond)

	p.tasks.Stop()

	result := <-results
	assert.ErrorIs(t, result.Err, context.Canceled)

	result = <-p.RequestChunkBackup(ctx, "f", 1, 1, []byte("y"))
	assert.ErrorIs(t, result.Err, ErrPeerClosed)
}

func TestBackupRejectsOversizedChunk(t *testing.T) {
	p := newTestPeer(t, testConfig("1"), newRecordingTransport(), newMemoryStore())

	result := <-p.RequestChunkBackup(context.Background(), "f", 0, 1, make([]byte, 64001))
	assert.ErrorIs(t, result.Err, protocol.ErrBodyTooLarge)
}

func TestBackupRejectsInvalidDegree(t *testing.T) {
	tr := newRecordingTransport()
	p := newTestPeer(t, testConfig("1"), tr, newMemoryStore())

	for _, degree := range []int{0, -1} {
		result := <-p.RequestChunkBackup(context.Background(), "f", 0, degree, []byte("x"))
		assert.ErrorIs(t, result.Err, ErrInvalidDegree)
		assert.False(t, result.Succeeded())
		assert.Zero(t, result.Attempts)
	}

	assert.Equal(t, 0, tr.count())
}

func TestBackupRejectsNegativeChunkNumber(t *testing.T) {
	tr := newRecordingTransport()
	p := newTestPeer(t, testConfig("1"), tr, newMemoryStore())

	result := <-p.RequestChunkBackup(context.Background(), "f", -1, 1, []byte("x"))
	assert.ErrorIs(t, result.Err, protocol.ErrMalformedMessage)
	assert.Equal(t, 0, tr.count())
}
